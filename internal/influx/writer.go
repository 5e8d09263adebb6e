package influx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"portfolio-scraper/internal/domain"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RawFieldMaxBytes is the largest raw_data field the writer stores. Longer
// captures are cut on a byte boundary.
const RawFieldMaxBytes = 65000

const (
	MeasurementPortfolio = "portfolio"
	MeasurementHolding   = "portfolio_holding"
	MeasurementPlatform  = "portfolio_platform"
	MeasurementRaw       = "portfolio_raw"
)

// ErrIncompleteConfig is returned when any of URL, token, org or bucket is
// missing. No connection is attempted.
var ErrIncompleteConfig = errors.New("influxdb configuration incomplete: url, token, org and bucket are all required")

// Config locates one InfluxDB v2 bucket.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Complete reports whether every connection setting is present.
func (c Config) Complete() bool {
	for _, v := range []string{c.URL, c.Token, c.Org, c.Bucket} {
		if strings.TrimSpace(v) == "" {
			return false
		}
	}
	return true
}

// Record is one time-series point before it is handed to the client.
type Record struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]interface{}
	Time        time.Time
}

// Records decomposes a payload into the points it is stored as. Every record
// carries the caller's tags and the same timestamp.
func Records(payload domain.Payload, tags map[string]string, at time.Time) []Record {
	switch p := payload.(type) {
	case domain.Wealth:
		records := make([]Record, 0, p.RecordCount())
		records = append(records, Record{
			Measurement: MeasurementPortfolio,
			Tags:        mergeTags(tags, "", ""),
			Fields: map[string]interface{}{
				"net_worth":      p.NetWorth.NetWorth.InexactFloat64(),
				"sol_equivalent": p.NetWorth.SOLEquivalent.InexactFloat64(),
			},
			Time: at,
		})
		for _, h := range p.TopHoldings {
			records = append(records, Record{
				Measurement: MeasurementHolding,
				Tags:        mergeTags(tags, "asset", h.Asset),
				Fields: map[string]interface{}{
					"value":      h.Value.InexactFloat64(),
					"percentage": h.Percentage.InexactFloat64(),
				},
				Time: at,
			})
		}
		for _, pl := range p.TopPlatforms {
			records = append(records, Record{
				Measurement: MeasurementPlatform,
				Tags:        mergeTags(tags, "platform", pl.Platform),
				Fields: map[string]interface{}{
					"value":      pl.Value.InexactFloat64(),
					"percentage": pl.Percentage.InexactFloat64(),
				},
				Time: at,
			})
		}
		return records
	case domain.RawCapture:
		return []Record{{
			Measurement: MeasurementRaw,
			Tags:        mergeTags(tags, "", ""),
			Fields:      map[string]interface{}{"raw_data": p.Truncate(RawFieldMaxBytes)},
			Time:        at,
		}}
	default:
		return nil
	}
}

func mergeTags(base map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	if key != "" {
		out[key] = value
	}
	return out
}

func (r Record) point() *write.Point {
	return influxdb2.NewPoint(r.Measurement, r.Tags, r.Fields, r.Time)
}

// WriteResult reports how a Write went. Err joins every per-record failure.
type WriteResult struct {
	Kind      string
	Attempted int
	Written   int
	Err       error
}

// OK is true when every record was written and flushed.
func (r WriteResult) OK() bool {
	return r.Err == nil && r.Attempted > 0 && r.Written == r.Attempted
}

// pointWriter is the part of the blocking write API the writer uses.
type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
	Flush(ctx context.Context) error
}

var openWriter = func(cfg Config) (pointWriter, func()) {
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetPrecision(time.Nanosecond))
	return client.WriteAPIBlocking(cfg.Org, cfg.Bucket), client.Close
}

// Writer persists payloads. It holds no connection between calls.
type Writer struct {
	tracer trace.Tracer
	log    zerolog.Logger
	now    func() time.Time
}

func NewWriter(tracer trace.Tracer, log zerolog.Logger) *Writer {
	return &Writer{
		tracer: tracer,
		log:    log.With().Str("component", "influx").Logger(),
		now:    time.Now,
	}
}

// Write stores payload in the bucket described by cfg. It never panics and
// never returns an error directly; failures are carried in the result. Each
// record is attempted even when an earlier one fails.
func (w *Writer) Write(ctx context.Context, cfg Config, payload domain.Payload, tags map[string]string) (res WriteResult) {
	ctx, span := w.tracer.Start(ctx, "influx.write")
	defer span.End()

	res.Kind = domain.PayloadKind(payload)
	log := w.log.With().Str("payload", res.Kind).Logger()

	defer func() {
		if r := recover(); r != nil {
			res.Err = errors.Join(res.Err, fmt.Errorf("influx write panicked: %v", r))
		}
		if res.Err != nil {
			span.RecordError(res.Err)
			log.Error().Err(res.Err).Int("written", res.Written).Int("attempted", res.Attempted).Msg("Error writing to InfluxDB")
		}
	}()

	if !cfg.Complete() {
		res.Err = ErrIncompleteConfig
		return res
	}

	records := Records(payload, tags, w.now())
	if len(records) == 0 {
		res.Err = fmt.Errorf("nothing to write for payload %T", payload)
		return res
	}
	span.SetAttributes(attribute.String("influx.bucket", cfg.Bucket), attribute.Int("influx.records", len(records)))

	writer, closeClient := openWriter(cfg)
	defer closeClient()

	var errs []error
	for _, rec := range records {
		res.Attempted++
		if err := writer.WritePoint(ctx, rec.point()); err != nil {
			errs = append(errs, fmt.Errorf("write %s %v: %w", rec.Measurement, rec.Tags, err))
			continue
		}
		res.Written++
	}
	if err := writer.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush: %w", err))
	}
	res.Err = errors.Join(errs...)

	if res.Err == nil {
		log.Info().Int("records", res.Written).Str("bucket", cfg.Bucket).Msg("Successfully wrote data to InfluxDB")
	}
	return res
}
