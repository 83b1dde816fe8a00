package kafka

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"carbonbot/internal/dispatcher"
	"carbonbot/internal/domain"
	"carbonbot/internal/storage"
	logx "carbonbot/pkg/logx"
)

var errDrained = errors.New("drained")

type fakeReader struct {
	msgs      []kafka.Message
	committed []int64
}

func (f *fakeReader) FetchMessage(context.Context) (kafka.Message, error) {
	if len(f.msgs) == 0 {
		return kafka.Message{}, errDrained
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error { return nil }

type fakeIngestor struct {
	got        []domain.Record
	err        error
	superseded bool
}

func (f *fakeIngestor) Ingest(_ context.Context, rec domain.Record) (dispatcher.TickResult, error) {
	if f.err != nil {
		return dispatcher.TickResult{}, f.err
	}
	f.got = append(f.got, rec)
	if f.superseded {
		return dispatcher.TickResult{Record: rec, Superseded: true}, nil
	}
	rec.ID = "r"
	return dispatcher.TickResult{Record: rec}, nil
}

func msg(off int64, v string) kafka.Message {
	return kafka.Message{Topic: "carbon", Offset: off, Value: []byte(v)}
}

func TestConsumerIngestsValidAndSkipsInvalid(t *testing.T) {
	t.Parallel()
	r := &fakeReader{msgs: []kafka.Message{
		msg(1, `{"plant":"台中廠","co2e":1523.4,"timestamp":"2024-05-01T09:00:00Z"}`),
		msg(2, `not json`),
		msg(3, `{"plant":"","co2e":1}`),
		msg(4, `{"plant":"台南廠","co2e":1800,"timestamp":"2024-05-01 10:00:00"}`),
	}}
	sink := &fakeIngestor{}
	c := newConsumer(r, sink, time.FixedZone("CST", 8*3600), logx.Nop(), nil)

	if err := c.Run(context.Background()); !errors.Is(err, errDrained) {
		t.Fatalf("Run err=%v", err)
	}
	if len(sink.got) != 2 || sink.got[0].Plant != "台中廠" || sink.got[1].Plant != "台南廠" {
		t.Fatalf("ingested=%+v", sink.got)
	}
	if len(r.committed) != 4 {
		t.Fatalf("committed=%v", r.committed)
	}
	if h := sink.got[1].Timestamp.Hour(); h != 10 || sink.got[1].Timestamp.Location().String() != "CST" {
		t.Fatalf("zone-less timestamp should be read in the configured location: %v", sink.got[1].Timestamp)
	}
}

func TestConsumerLeavesUnpersistedRecordUncommitted(t *testing.T) {
	t.Parallel()
	r := &fakeReader{msgs: []kafka.Message{msg(7, `{"plant":"P","co2e":1}`)}}
	sink := &fakeIngestor{err: storage.ErrUnavailable}
	c := newConsumer(r, sink, nil, logx.Nop(), nil)

	err := c.Run(context.Background())
	if !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("Run err=%v", err)
	}
	if len(r.committed) != 0 {
		t.Fatalf("committed=%v", r.committed)
	}
}

func TestConsumerCommitsSupersededRecord(t *testing.T) {
	t.Parallel()
	r := &fakeReader{msgs: []kafka.Message{msg(9, `{"plant":"P","co2e":1,"timestamp":"2020-01-01T00:00:00Z"}`)}}
	sink := &fakeIngestor{superseded: true}
	c := newConsumer(r, sink, nil, logx.Nop(), nil)

	if err := c.Run(context.Background()); !errors.Is(err, errDrained) {
		t.Fatalf("Run err=%v", err)
	}
	if len(r.committed) != 1 || r.committed[0] != 9 {
		t.Fatalf("committed=%v", r.committed)
	}
}

func TestDecode(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		in      string
		wantErr string
	}{
		{"ok", `{"plant":"P","co2e":1.5,"timestamp":"2024-05-01T09:00:00+08:00"}`, ""},
		{"no timestamp", `{"plant":"P","co2e":0}`, ""},
		{"missing co2e", `{"plant":"P"}`, "co2e required"},
		{"negative", `{"plant":"P","co2e":-1}`, "invalid co2e"},
		{"bad timestamp", `{"plant":"P","co2e":1,"timestamp":"yesterday"}`, "invalid timestamp"},
	}
	for _, tc := range cases {
		_, err := Decode([]byte(tc.in), time.UTC)
		if tc.wantErr == "" && err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if tc.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tc.wantErr)) {
			t.Fatalf("%s: err=%v want %q", tc.name, err, tc.wantErr)
		}
	}
}

func TestNewConsumerValidates(t *testing.T) {
	t.Parallel()
	if _, err := NewConsumer(Config{Topic: "t", GroupID: "g"}, &fakeIngestor{}, logx.Nop(), nil); err == nil {
		t.Fatalf("expected brokers error")
	}
	if _, err := NewConsumer(Config{Brokers: []string{"b:9092"}, GroupID: "g"}, &fakeIngestor{}, logx.Nop(), nil); err == nil {
		t.Fatalf("expected topic error")
	}
}
