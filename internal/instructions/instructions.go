// ABOUTME: Closed set of print instructions and their typed parameters.
// ABOUTME: Unknown instruction names are rejected here, before any handler runs.

package instructions

import (
	"errors"
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// Type names one instruction. The set is closed.
type Type string

const (
	GetPrinterList    Type = "get_printer_list"
	GetPrinterStatus  Type = "get_printer_status"
	SubmitPrintJob    Type = "submit_print_job"
	GetPrintJobStatus Type = "get_print_job_status"
	CancelPrintJob    Type = "cancel_print_job"
)

// Types lists every instruction in declaration order.
var Types = []Type{
	GetPrinterList,
	GetPrinterStatus,
	SubmitPrintJob,
	GetPrintJobStatus,
	CancelPrintJob,
}

// ErrUnknownInstruction is returned by ParseType for names outside the set.
var ErrUnknownInstruction = errors.New("unknown instruction")

// ErrInvalidPayload wraps parameter decoding and validation failures.
var ErrInvalidPayload = errors.New("invalid payload")

// ParseType converts a wire command name into a Type.
func ParseType(name string) (Type, error) {
	t := Type(name)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownInstruction, name)
	}
	return t, nil
}

// Valid reports whether t is one of the known instructions.
func (t Type) Valid() bool {
	switch t {
	case GetPrinterList, GetPrinterStatus, SubmitPrintJob, GetPrintJobStatus, CancelPrintJob:
		return true
	}
	return false
}

// Instruction is one unit of work with its raw payload.
type Instruction struct {
	Type    Type
	Payload map[string]any
}

// PrinterParams addresses a single printer.
type PrinterParams struct {
	PrinterID string `mapstructure:"printer_id"`
}

// SubmitJobParams describes a document to print.
type SubmitJobParams struct {
	PrinterID   string         `mapstructure:"printer_id"`
	DocumentURL string         `mapstructure:"document_url"`
	Options     map[string]any `mapstructure:"options"`
}

// JobParams addresses a single print job.
type JobParams struct {
	JobID string `mapstructure:"job_id"`
}

// decodeParams fills out from payload. Unknown keys are ignored and scalar
// types are converted where it is unambiguous (a numeric job id, for example).
func decodeParams(payload map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func requireField(name, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidPayload, name)
	}
	return nil
}

// DecodePrinterParams extracts and validates PrinterParams.
func DecodePrinterParams(payload map[string]any) (PrinterParams, error) {
	var p PrinterParams
	if err := decodeParams(payload, &p); err != nil {
		return p, err
	}
	return p, requireField("printer_id", p.PrinterID)
}

// DecodeSubmitJobParams extracts and validates SubmitJobParams.
func DecodeSubmitJobParams(payload map[string]any) (SubmitJobParams, error) {
	var p SubmitJobParams
	if err := decodeParams(payload, &p); err != nil {
		return p, err
	}
	if err := requireField("printer_id", p.PrinterID); err != nil {
		return p, err
	}
	return p, requireField("document_url", p.DocumentURL)
}

// DecodeJobParams extracts and validates JobParams.
func DecodeJobParams(payload map[string]any) (JobParams, error) {
	var p JobParams
	if err := decodeParams(payload, &p); err != nil {
		return p, err
	}
	return p, requireField("job_id", p.JobID)
}
