// ABOUTME: Maps an instruction to its response payload through a PrintService.
// ABOUTME: Every failure becomes an {"error": ...} payload; Dispatch never returns an error.

package instructions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Dispatcher routes instructions to a PrintService.
type Dispatcher struct {
	service PrintService
	logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher. A nil service uses StaticPrintService.
func NewDispatcher(service PrintService, logger *slog.Logger) *Dispatcher {
	if service == nil {
		service = StaticPrintService{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		service: service,
		logger:  logger.With("component", "instructions"),
	}
}

// DispatchCommand parses command and dispatches it. Unknown commands get
// {"error": "unknown instruction"}.
func (d *Dispatcher) DispatchCommand(ctx context.Context, command string, payload map[string]any) map[string]any {
	t, err := ParseType(command)
	if err != nil {
		d.logger.Debug("rejecting unknown instruction", "command", command)
		return errorPayload(ErrUnknownInstruction)
	}
	return d.Dispatch(ctx, Instruction{Type: t, Payload: payload})
}

// Dispatch runs one instruction and returns the response payload.
func (d *Dispatcher) Dispatch(ctx context.Context, in Instruction) (result map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("print service panicked", "instruction", in.Type, "panic", r)
			result = map[string]any{"error": fmt.Sprintf("internal error: %v", r)}
		}
	}()

	if in.Payload == nil {
		in.Payload = map[string]any{}
	}

	var err error
	switch in.Type {
	case GetPrinterList:
		result, err = d.listPrinters(ctx)
	case GetPrinterStatus:
		result, err = d.printerStatus(ctx, in.Payload)
	case SubmitPrintJob:
		result, err = d.submitJob(ctx, in.Payload)
	case GetPrintJobStatus:
		result, err = d.jobStatus(ctx, in.Payload)
	case CancelPrintJob:
		result, err = d.cancelJob(ctx, in.Payload)
	default:
		err = ErrUnknownInstruction
	}

	if err != nil {
		d.logger.Debug("instruction failed", "instruction", in.Type, "error", err)
		return errorPayload(err)
	}
	return result
}

func (d *Dispatcher) listPrinters(ctx context.Context) (map[string]any, error) {
	printers, err := d.service.ListPrinters(ctx)
	if err != nil {
		return nil, err
	}
	list := make([]any, len(printers))
	for i, p := range printers {
		list[i] = p
	}
	return map[string]any{"printers": list}, nil
}

func (d *Dispatcher) printerStatus(ctx context.Context, payload map[string]any) (map[string]any, error) {
	p, err := DecodePrinterParams(payload)
	if err != nil {
		return nil, err
	}
	st, err := d.service.PrinterStatus(ctx, p)
	if err != nil {
		return nil, err
	}

	out := map[string]any{"status": st.Status}
	if st.Name != "" {
		out["name"] = st.Name
	}
	if len(st.Capabilities) > 0 {
		out["capabilities"] = st.Capabilities
	}
	if len(st.Drivers) > 0 {
		drivers := make([]any, len(st.Drivers))
		for i, drv := range st.Drivers {
			drivers[i] = drv
		}
		out["drivers"] = drivers
	}
	return out, nil
}

func (d *Dispatcher) submitJob(ctx context.Context, payload map[string]any) (map[string]any, error) {
	p, err := DecodeSubmitJobParams(payload)
	if err != nil {
		return nil, err
	}
	jobID, err := d.service.SubmitJob(ctx, p)
	if err != nil {
		return nil, err
	}
	return map[string]any{"job_id": jobID}, nil
}

func (d *Dispatcher) jobStatus(ctx context.Context, payload map[string]any) (map[string]any, error) {
	p, err := DecodeJobParams(payload)
	if err != nil {
		return nil, err
	}
	st, err := d.service.JobStatus(ctx, p)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"status": st.Status}
	if st.ErrorMessage != "" {
		out["error_message"] = st.ErrorMessage
	}
	return out, nil
}

func (d *Dispatcher) cancelJob(ctx context.Context, payload map[string]any) (map[string]any, error) {
	p, err := DecodeJobParams(payload)
	if err != nil {
		return nil, err
	}
	ok, err := d.service.CancelJob(ctx, p)
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": ok}, nil
}

func errorPayload(err error) map[string]any {
	if errors.Is(err, ErrUnknownInstruction) {
		return map[string]any{"error": ErrUnknownInstruction.Error()}
	}
	return map[string]any{"error": err.Error()}
}
