package influx

import (
	"context"
	"errors"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/loykin/craftvisor/internal/history"
)

// Measurement is the InfluxDB measurement events are written to.
const Measurement = "server_event"

// Options selects the InfluxDB v2 endpoint.
type Options struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Sink writes one point per event using the blocking write API so delivery
// errors reach the caller.
type Sink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

func New(opts Options) (*Sink, error) {
	if opts.URL == "" || opts.Org == "" || opts.Bucket == "" {
		return nil, errors.New("influxdb sink requires url, org and bucket")
	}
	c := influxdb2.NewClient(opts.URL, opts.Token)
	return &Sink{client: c, writeAPI: c.WriteAPIBlocking(opts.Org, opts.Bucket)}, nil
}

func point(e history.Event) *write.Point {
	fields := map[string]interface{}{
		"pid":      e.Record.PID,
		"restarts": e.Record.Restarts,
		"run_id":   e.Record.RunID,
	}
	if e.Record.ExitCode != nil {
		fields["exit_code"] = *e.Record.ExitCode
	}
	if e.Record.Message != "" {
		fields["message"] = e.Record.Message
	}
	return write.NewPoint(Measurement, map[string]string{
		"name":  e.Record.Name,
		"event": string(e.Type),
		"state": e.Record.State,
	}, fields, e.OccurredAt)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	if err := s.writeAPI.WritePoint(ctx, point(e)); err != nil {
		return fmt.Errorf("influxdb write: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	s.client.Close()
	return nil
}
