package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	emerrors "github.com/emberq/emberq/internal/errors"
	"github.com/emberq/emberq/internal/job"
)

type emailArgs struct {
	To string `json:"to"`
}

func TestRegistry_RegisterIsIdempotentOnClass(t *testing.T) {
	r := NewRegistry()
	calls := 0
	RegisterTyped(r, "SendEmail", func(ctx context.Context, a emailArgs) error {
		calls++
		return nil
	}, Options{Queue: "default"})
	RegisterTyped(r, "SendEmail", func(ctx context.Context, a emailArgs) error {
		calls += 100
		return nil
	}, Options{Queue: "critical"})

	if r.Count() != 1 {
		t.Fatalf("expected one registered class, got %d", r.Count())
	}

	d, ok := r.Get("SendEmail")
	if !ok {
		t.Fatal("expected SendEmail to be registered")
	}
	if d.Options.Queue != "critical" {
		t.Errorf("expected re-registration to replace options, got queue=%q", d.Options.Queue)
	}

	args, _ := json.Marshal(emailArgs{To: "a@example.com"})
	j := job.New("SendEmail", "critical", []json.RawMessage{args})
	if err := Dispatch(context.Background(), d, j); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if calls != 100 {
		t.Errorf("expected the replacement handler to run, calls=%d", calls)
	}
}

func TestDispatch_DecodeFailureIsBadArguments(t *testing.T) {
	r := NewRegistry()
	RegisterTyped(r, "SendEmail", func(ctx context.Context, a emailArgs) error {
		return nil
	}, Options{})

	d, _ := r.Get("SendEmail")
	j := job.New("SendEmail", "default", []json.RawMessage{[]byte(`"not an object"`)})

	err := Dispatch(context.Background(), d, j)
	if !errors.Is(err, emerrors.ErrBadArguments) {
		t.Errorf("expected ErrBadArguments, got %v", err)
	}
}

func TestDispatch_MissingArgumentIsBadArguments(t *testing.T) {
	r := NewRegistry()
	RegisterTyped(r, "SendEmail", func(ctx context.Context, a emailArgs) error {
		return nil
	}, Options{})

	d, _ := r.Get("SendEmail")
	j := job.New("SendEmail", "default", nil)

	err := Dispatch(context.Background(), d, j)
	if !errors.Is(err, emerrors.ErrBadArguments) {
		t.Errorf("expected ErrBadArguments for missing args, got %v", err)
	}
}

func TestDispatch_HandlerFailureIsWrapped(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("smtp down")
	RegisterTyped(r, "SendEmail", func(ctx context.Context, a emailArgs) error {
		return boom
	}, Options{})

	d, _ := r.Get("SendEmail")
	args, _ := json.Marshal(emailArgs{To: "a@example.com"})
	j := job.New("SendEmail", "default", []json.RawMessage{args})

	err := Dispatch(context.Background(), d, j)
	if !errors.Is(err, emerrors.ErrHandlerFailed) {
		t.Errorf("expected ErrHandlerFailed, got %v", err)
	}
}

func TestDispatch_SuccessReturnsNil(t *testing.T) {
	r := NewRegistry()
	var got emailArgs
	RegisterTyped(r, "SendEmail", func(ctx context.Context, a emailArgs) error {
		got = a
		return nil
	}, Options{})

	d, _ := r.Get("SendEmail")
	args, _ := json.Marshal(emailArgs{To: "a@example.com"})
	j := job.New("SendEmail", "default", []json.RawMessage{args})

	if err := Dispatch(context.Background(), d, j); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if got.To != "a@example.com" {
		t.Errorf("expected decoded argument to reach the handler, got %+v", got)
	}
}

func TestRegistry_GetUnregisteredClass(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Get("Nonexistent"); ok {
		t.Error("expected Get to report false for an unregistered class")
	}
}
