package roles

import (
	"context"
	"errors"
	"testing"

	"carbonbot/internal/domain"
	logx "carbonbot/pkg/logx"
)

func TestGetRoleDefaultsToConsumer(t *testing.T) {
	t.Parallel()
	s := NewStore(nil, logx.Nop())
	if got := s.GetRole("42"); got != Consumer {
		t.Fatalf("GetRole(42) = %q, want %q", got, Consumer)
	}
}

func TestSetRoleOverwrites(t *testing.T) {
	t.Parallel()
	s := NewStore(nil, logx.Nop())
	ctx := context.Background()
	if err := s.SetRole(ctx, "7", Manager); err != nil {
		t.Fatalf("SetRole manager: %v", err)
	}
	if err := s.SetRole(ctx, "7", Dealer); err != nil {
		t.Fatalf("SetRole dealer: %v", err)
	}
	if got := s.GetRole("7"); got != Dealer {
		t.Fatalf("GetRole = %q, want dealer", got)
	}
	// self-loop is allowed
	if err := s.SetRole(ctx, "7", Dealer); err != nil {
		t.Fatalf("SetRole dealer again: %v", err)
	}
}

func TestSetRoleRejectsUnknown(t *testing.T) {
	t.Parallel()
	s := NewStore(nil, logx.Nop())
	ctx := context.Background()
	_ = s.SetRole(ctx, "7", Manager)

	err := s.SetRole(ctx, "7", Role("admin"))
	if !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("err = %v, want ErrInvalidRole", err)
	}
	if got := s.GetRole("7"); got != Manager {
		t.Fatalf("store changed after invalid role: %q", got)
	}
}

func TestParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    Role
		wantErr bool
	}{
		{raw: "manager", want: Manager},
		{raw: "  Dealer ", want: Dealer},
		{raw: "CONSUMER", want: Consumer},
		{raw: "", wantErr: true},
		{raw: "root", wantErr: true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.raw)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidRole) {
				t.Fatalf("Parse(%q) err = %v, want ErrInvalidRole", tt.raw, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("Parse(%q) = %q, %v; want %q", tt.raw, got, err, tt.want)
		}
	}
}

type fakeBackend struct {
	data   map[domain.SubscriberID]string
	putErr error
}

func (f *fakeBackend) PutRole(_ context.Context, id domain.SubscriberID, role string) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.data[id] = role
	return nil
}

func (f *fakeBackend) LoadRoles(context.Context) (map[domain.SubscriberID]string, error) {
	out := make(map[domain.SubscriberID]string, len(f.data))
	for k, v := range f.data {
		out[k] = v
	}
	return out, nil
}

func TestRestoreFromBackend(t *testing.T) {
	t.Parallel()
	be := &fakeBackend{data: map[domain.SubscriberID]string{"1": "manager", "2": "wizard"}}
	s := NewStore(be, logx.Nop())
	n, err := s.Restore(context.Background())
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if n != 1 {
		t.Fatalf("restored %d, want 1", n)
	}
	if got := s.GetRole("1"); got != Manager {
		t.Fatalf("GetRole(1) = %q", got)
	}
	if got := s.GetRole("2"); got != Consumer {
		t.Fatalf("unknown persisted role should fall back to default, got %q", got)
	}
}

func TestBackendFailureDoesNotFailSetRole(t *testing.T) {
	t.Parallel()
	be := &fakeBackend{data: map[domain.SubscriberID]string{}, putErr: errors.New("down")}
	s := NewStore(be, logx.Nop())
	if err := s.SetRole(context.Background(), "9", Dealer); err != nil {
		t.Fatalf("SetRole: %v", err)
	}
	if got := s.GetRole("9"); got != Dealer {
		t.Fatalf("GetRole = %q", got)
	}
}
