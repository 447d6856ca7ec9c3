// ABOUTME: PrintService is the capability that actually talks to printers.
// ABOUTME: StaticPrintService answers with fixed placeholder data.

package instructions

import "context"

// PrinterStatus describes one printer as reported by a PrintService.
type PrinterStatus struct {
	Status       string
	Name         string
	Capabilities map[string]any
	Drivers      []string
}

// JobStatus describes one print job.
type JobStatus struct {
	Status       string
	ErrorMessage string
}

// PrintService performs print operations on behalf of the dispatcher.
type PrintService interface {
	ListPrinters(ctx context.Context) ([]string, error)
	PrinterStatus(ctx context.Context, p PrinterParams) (PrinterStatus, error)
	SubmitJob(ctx context.Context, p SubmitJobParams) (string, error)
	JobStatus(ctx context.Context, p JobParams) (JobStatus, error)
	CancelJob(ctx context.Context, p JobParams) (bool, error)
}

// StaticPrintService returns the same answers for every request. It stands in
// for a real printer backend.
type StaticPrintService struct{}

func (StaticPrintService) ListPrinters(context.Context) ([]string, error) {
	return []string{"printer1", "printer2"}, nil
}

func (StaticPrintService) PrinterStatus(context.Context, PrinterParams) (PrinterStatus, error) {
	return PrinterStatus{Status: "online"}, nil
}

func (StaticPrintService) SubmitJob(context.Context, SubmitJobParams) (string, error) {
	return "job1", nil
}

func (StaticPrintService) JobStatus(context.Context, JobParams) (JobStatus, error) {
	return JobStatus{Status: "printing"}, nil
}

func (StaticPrintService) CancelJob(context.Context, JobParams) (bool, error) {
	return true, nil
}

var _ PrintService = StaticPrintService{}
