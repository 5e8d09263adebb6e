package agent

import (
	"fmt"
	"strings"

	"portfolio-scraper/internal/browser"
	"portfolio-scraper/internal/domain"
)

const persona = "You are a crypto portfolio expert with a focus on Solana DeFi and Spot investments. " +
	"Your role is to provide a thorough and accurate analysis of the portfolio for strategic decision-making. " +
	"Prioritize capital preservation and risk mitigation in your data collection approach. " +
	"Capture all relevant details, including platform-specific strategies (e.g., lending, leverage, farming), asset allocations, and stablecoin exposure. " +
	"Structure the output to facilitate executive-level insights, emphasizing clarity, completeness, and actionable data."

const rawTaskTemplate = "Go to the following URL: %s. " +
	"This page contains comprehensive data on a Solana-based crypto portfolio, including DeFi and Spot positions across multiple wallets. " +
	"Your objective is to extract all portfolio information and structure it in a detailed markdown format suitable for an executive strategic report. " +
	"Perform the following steps:\n" +
	"1. Load the page and wait for all dynamic content to render (e.g., portfolio values, platform positions, asset holdings).\n" +
	"2. Scroll to the bottom to ensure all lazy-loaded content is visible.\n" +
	"3. Extract the following data:\n" +
	"   - Net worth (in USD and SOL equivalent).\n" +
	"   - Number of wallets.\n" +
	"   - Portfolio positions by platform (e.g., Kamino, Drift, Holdings), including values and categories (e.g., Lending, Leverage, Staked).\n" +
	"   - Asset holdings (e.g., USDC, wSOL, JitoSOL), including values and types (stablecoin vs. non-stablecoin).\n" +
	"   - Stablecoin vs. non-stablecoin ratio.\n" +
	"   - Any notes or consolidated 'Other' categories for minor platforms or categories.\n" +
	"4. Handle dynamic elements (e.g., modals, tooltips) by interacting with them if necessary to reveal hidden data.\n" +
	"5. Consolidate small positions (e.g., platforms or categories with values < $10) into an 'Other' category with detailed notes.\n" +
	"6. Output the data in a structured markdown format with clear sections, tables, and notes, optimized for executive analysis.\n" +
	"7. Include a summary section highlighting key metrics (e.g., net worth, stablecoin ratio, top platforms/assets).\n" +
	"Ensure accuracy by cross-checking values and retrying on transient errors. Avoid duplicating data and handle missing or incomplete elements gracefully."

const structuredTaskTemplate = "Go to the following URL: %s. " +
	"Grab the net worth information. " +
	"Grab the top 5 platforms from the chart. " +
	"Click on the 'Assets' switcher. " +
	"Grab the top 5 Assets from the chart and not from holding list. " +
	"Output the summary in a JSON format."

const wealthSchemaHint = `The final result must be a JSON object with exactly this shape (numbers as JSON numbers, at most 5 entries per list, percentages between 0 and 100):
{"top_5_holdings":[{"asset":"SOL","value":250.5,"percentage":83.2}],"net_worth":{"net_worth":301.0,"sol_equivalent":1.5},"top_5_platforms":[{"platform":"Wallet","value":301.0,"percentage":100}]}`

const actionProtocol = `Answer every step with one JSON object and nothing else:
{"thought": "<short reasoning>", "memory": "<facts worth remembering, optional>", "action": "<name>", ...arguments}
Actions:
  {"action":"navigate","url":"https://..."}
  {"action":"click","index":<element index>}
  {"action":"type","index":<element index>,"text":"..."}
  {"action":"scroll","pixels":<positive scrolls down, negative up>}
  {"action":"wait","seconds":<1-10>}
  {"action":"extract_text"}   save the full visible page text into memory
  {"action":"done","result":<final result>}
Only use element indexes from the current observation.`

// NewRequest builds the immutable request for one extraction of url in mode.
// mode must be raw or structured.
func NewRequest(url string, mode domain.Mode, opts Options) domain.ExtractionRequest {
	req := domain.ExtractionRequest{TargetURL: url, Mode: mode}
	switch mode {
	case domain.ModeRaw:
		req.Instructions = fmt.Sprintf(rawTaskTemplate, url)
		req.UsePlanner = opts.UsePlanner
		req.UseMemory = opts.UseMemory
	default:
		req.Mode = domain.ModeStructured
		req.Instructions = fmt.Sprintf(structuredTaskTemplate, url)
	}
	return req
}

func systemPrompt(req domain.ExtractionRequest) string {
	var sb strings.Builder
	sb.WriteString("You control a web browser to complete a data extraction task.\n")
	if req.Mode == domain.ModeRaw {
		sb.WriteString(persona)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	sb.WriteString(actionProtocol)
	sb.WriteString("\n\n")
	if req.Mode == domain.ModeStructured {
		sb.WriteString(wealthSchemaHint)
	} else {
		sb.WriteString(`The final result must be the complete markdown report as a JSON string in "result". If no portfolio data can be found, finish with an empty string.`)
	}
	return sb.String()
}

type stepView struct {
	Step     int
	MaxSteps int
	Obs      browser.Observation
	Journal  []journalEntry
	Notes    []string
	Guidance string
	Feedback string
}

func stepPrompt(req domain.ExtractionRequest, v stepView) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "TASK:\n%s\n\n", req.Instructions)
	fmt.Fprintf(&sb, "STEP %d of %d\n\n", v.Step, v.MaxSteps)

	if v.Guidance != "" {
		fmt.Fprintf(&sb, "PLANNER GUIDANCE:\n%s\n\n", v.Guidance)
	}
	if len(v.Notes) > 0 {
		sb.WriteString("MEMORY:\n")
		for _, n := range v.Notes {
			fmt.Fprintf(&sb, "- %s\n", n)
		}
		sb.WriteString("\n")
	}
	if len(v.Journal) > 0 {
		sb.WriteString("PREVIOUS STEPS:\n")
		for _, e := range v.Journal {
			fmt.Fprintf(&sb, "%d. %s -> %s\n", e.Step, e.Action, e.Outcome)
		}
		sb.WriteString("\n")
	}
	if v.Feedback != "" {
		fmt.Fprintf(&sb, "ERROR FROM YOUR LAST ANSWER:\n%s\n\n", v.Feedback)
	}

	writeObservation(&sb, v.Obs, maxPromptTextBytes)
	return sb.String()
}

func writeObservation(sb *strings.Builder, obs browser.Observation, maxText int) {
	fmt.Fprintf(sb, "CURRENT PAGE: %s (%s)\n", obs.Title, obs.URL)
	fmt.Fprintf(sb, "Scroll position: %d of %d px (viewport %d px)", obs.ScrollY, obs.ScrollHeight, obs.ViewportHeight)
	if obs.AtBottom() {
		sb.WriteString(", at bottom")
	}
	sb.WriteString("\n\nINTERACTIVE ELEMENTS:\n")
	for _, el := range obs.Elements {
		label := el.Tag
		if el.Role != "" {
			label += " role=" + el.Role
		}
		fmt.Fprintf(sb, "[%d] <%s> %s\n", el.Index, label, el.Text)
	}
	sb.WriteString("\nVISIBLE TEXT:\n")
	sb.WriteString(clip(obs.Text, maxText))
	sb.WriteString("\n")
}

func plannerPrompt(req domain.ExtractionRequest, obs browser.Observation, journal []journalEntry, reasoning bool) string {
	var sb strings.Builder
	sb.WriteString("You are the planner for a browser agent. Review the task, the steps taken so far and the attached screenshot, ")
	sb.WriteString("then tell the agent what to do next in at most five short bullet points.\n")
	if reasoning {
		sb.WriteString("Think through the current state step by step first, then give the bullet points under a line reading GUIDANCE:.\n")
	}
	fmt.Fprintf(&sb, "\nTASK:\n%s\n\n", req.Instructions)
	if len(journal) > 0 {
		sb.WriteString("STEPS SO FAR:\n")
		for _, e := range journal {
			fmt.Fprintf(&sb, "%d. %s -> %s\n", e.Step, e.Action, e.Outcome)
		}
		sb.WriteString("\n")
	}
	writeObservation(&sb, obs, maxPlannerTextBytes)
	return sb.String()
}

func finalReportPrompt(req domain.ExtractionRequest, obs browser.Observation, journal []journalEntry, notes []string) string {
	var sb strings.Builder
	sb.WriteString("The step budget for this task is exhausted. Using everything gathered so far and the current page, ")
	sb.WriteString("write the final markdown report now. Reply with the report only. ")
	sb.WriteString("If no portfolio data was captured, reply with nothing.\n\n")
	fmt.Fprintf(&sb, "TASK:\n%s\n\n", req.Instructions)
	if len(notes) > 0 {
		sb.WriteString("MEMORY:\n")
		for _, n := range notes {
			fmt.Fprintf(&sb, "- %s\n", n)
		}
		sb.WriteString("\n")
	}
	if len(journal) > 0 {
		sb.WriteString("STEPS TAKEN:\n")
		for _, e := range journal {
			fmt.Fprintf(&sb, "%d. %s -> %s\n", e.Step, e.Action, e.Outcome)
		}
		sb.WriteString("\n")
	}
	writeObservation(&sb, obs, maxPromptTextBytes)
	return sb.String()
}

// guidanceFrom keeps only what follows a GUIDANCE: marker when the planner was
// asked to reason first.
func guidanceFrom(reply string) string {
	if i := strings.LastIndex(reply, "GUIDANCE:"); i >= 0 {
		reply = reply[i+len("GUIDANCE:"):]
	}
	return clip(strings.TrimSpace(reply), maxGuidanceBytes)
}

// clip truncates s to at most limit bytes without splitting a UTF-8 sequence.
func clip(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && cut < len(s) && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut] + "\n[truncated]"
}
