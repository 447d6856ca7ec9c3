// ABOUTME: Tests for instruction parsing, parameter decoding and dispatch.
// ABOUTME: Covers placeholder answers, unknown instructions, missing fields and service failures.

package instructions

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseType(t *testing.T) {
	for _, typ := range Types {
		got, err := ParseType(string(typ))
		require.NoError(t, err)
		assert.Equal(t, typ, got)
	}

	_, err := ParseType("reboot_printer")
	assert.ErrorIs(t, err, ErrUnknownInstruction)

	_, err = ParseType("")
	assert.ErrorIs(t, err, ErrUnknownInstruction)
}

func TestDispatch_StaticService(t *testing.T) {
	d := NewDispatcher(nil, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		command string
		payload map[string]any
		want    map[string]any
	}{
		{
			name:    "printer list",
			command: "get_printer_list",
			want:    map[string]any{"printers": []any{"printer1", "printer2"}},
		},
		{
			name:    "printer status",
			command: "get_printer_status",
			payload: map[string]any{"printer_id": "printer1"},
			want:    map[string]any{"status": "online"},
		},
		{
			name:    "submit job",
			command: "submit_print_job",
			payload: map[string]any{"printer_id": "printer1", "document_url": "https://example.com/document.pdf"},
			want:    map[string]any{"job_id": "job1"},
		},
		{
			name:    "job status",
			command: "get_print_job_status",
			payload: map[string]any{"job_id": "job1"},
			want:    map[string]any{"status": "printing"},
		},
		{
			name:    "cancel job",
			command: "cancel_print_job",
			payload: map[string]any{"job_id": "job1"},
			want:    map[string]any{"success": true},
		},
		{
			name:    "numeric job id is accepted",
			command: "cancel_print_job",
			payload: map[string]any{"job_id": int64(42)},
			want:    map[string]any{"success": true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, d.DispatchCommand(ctx, tt.command, tt.payload))
		})
	}
}

func TestDispatch_Errors(t *testing.T) {
	d := NewDispatcher(nil, nil)
	ctx := context.Background()

	t.Run("unknown command", func(t *testing.T) {
		got := d.DispatchCommand(ctx, "launch_missiles", nil)
		assert.Equal(t, map[string]any{"error": "unknown instruction"}, got)
	})

	t.Run("unknown type constructed directly", func(t *testing.T) {
		got := d.Dispatch(ctx, Instruction{Type: Type("bogus")})
		assert.Equal(t, map[string]any{"error": "unknown instruction"}, got)
	})

	t.Run("missing printer id", func(t *testing.T) {
		got := d.DispatchCommand(ctx, "get_printer_status", map[string]any{})
		assert.Equal(t, map[string]any{"error": "invalid payload: printer_id is required"}, got)
	})

	t.Run("missing document url", func(t *testing.T) {
		got := d.DispatchCommand(ctx, "submit_print_job", map[string]any{"printer_id": "p"})
		assert.Equal(t, map[string]any{"error": "invalid payload: document_url is required"}, got)
	})

	t.Run("missing job id", func(t *testing.T) {
		got := d.DispatchCommand(ctx, "get_print_job_status", nil)
		assert.Equal(t, map[string]any{"error": "invalid payload: job_id is required"}, got)
	})

	t.Run("wrongly typed field", func(t *testing.T) {
		got := d.DispatchCommand(ctx, "get_printer_status", map[string]any{"printer_id": map[string]any{"nested": true}})
		msg, ok := got["error"].(string)
		require.True(t, ok)
		assert.Contains(t, msg, "invalid payload")
	})
}

type brokenService struct {
	StaticPrintService
	panicOnList bool
}

func (b brokenService) ListPrinters(ctx context.Context) ([]string, error) {
	if b.panicOnList {
		panic("driver crashed")
	}
	return nil, errors.New("spooler offline")
}

func (brokenService) PrinterStatus(context.Context, PrinterParams) (PrinterStatus, error) {
	return PrinterStatus{
		Status:       "error",
		Name:         "Front desk",
		Capabilities: map[string]any{"color": true},
		Drivers:      []string{"pcl6"},
	}, nil
}

func (brokenService) JobStatus(context.Context, JobParams) (JobStatus, error) {
	return JobStatus{Status: "failed", ErrorMessage: "paper jam"}, nil
}

func TestDispatch_CustomService(t *testing.T) {
	ctx := context.Background()

	t.Run("service error becomes error payload", func(t *testing.T) {
		d := NewDispatcher(brokenService{}, nil)
		assert.Equal(t, map[string]any{"error": "spooler offline"}, d.DispatchCommand(ctx, "get_printer_list", nil))
	})

	t.Run("service panic becomes error payload", func(t *testing.T) {
		d := NewDispatcher(brokenService{panicOnList: true}, nil)
		got := d.DispatchCommand(ctx, "get_printer_list", nil)
		assert.Contains(t, got["error"], "driver crashed")
	})

	t.Run("rich printer status", func(t *testing.T) {
		d := NewDispatcher(brokenService{}, nil)
		got := d.DispatchCommand(ctx, "get_printer_status", map[string]any{"printer_id": "p1"})
		assert.Equal(t, "error", got["status"])
		assert.Equal(t, "Front desk", got["name"])
		assert.Equal(t, map[string]any{"color": true}, got["capabilities"])
		assert.Equal(t, []any{"pcl6"}, got["drivers"])
	})

	t.Run("job error message", func(t *testing.T) {
		d := NewDispatcher(brokenService{}, nil)
		got := d.DispatchCommand(ctx, "get_print_job_status", map[string]any{"job_id": "j"})
		assert.Equal(t, map[string]any{"status": "failed", "error_message": "paper jam"}, got)
	})
}

func TestDecodeSubmitJobParams(t *testing.T) {
	p, err := DecodeSubmitJobParams(map[string]any{
		"printer_id":   "printer1",
		"document_url": "https://example.com/a.pdf",
		"options":      map[string]any{"copies": 3},
		"extra":        "ignored",
	})
	require.NoError(t, err)
	assert.Equal(t, "printer1", p.PrinterID)
	assert.Equal(t, "https://example.com/a.pdf", p.DocumentURL)
	assert.EqualValues(t, 3, p.Options["copies"])

	_, err = DecodeSubmitJobParams(map[string]any{"document_url": "x"})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}
