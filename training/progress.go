package training

import (
	"fmt"
	"io"
	"math"
	"strings"
	"time"
)

// Progress is the structured record emitted after every epoch
type Progress struct {
	Epoch         int
	Elapsed       time.Duration
	TrainLoss     float64
	ValidLoss     float64
	ValidAccuracy float64
	TestLoss      float64 // NaN when the test split was not evaluated
	TestAccuracy  float64 // NaN when the test split was not evaluated
	LearningRate  float64

	BestValid   bool // the epoch set a new best validation loss
	RateChanged bool // the schedule changed the learning rate after this epoch
}

// Tested reports whether the test split was evaluated this epoch
func (p Progress) Tested() bool {
	return !math.IsNaN(p.TestAccuracy)
}

// Observer receives one Progress per epoch
type Observer func(Progress)

// Table prints the fixed-column epoch log
type Table struct {
	out    io.Writer
	header bool
}

// NewTable writes rows to out
func NewTable(out io.Writer) *Table {
	return &Table{out: out}
}

const tableFormat = "%6s | %10s | %10s | %9s | %8s | %10s | %8s\n"

// Header prints the column titles and a rule. Only the first call prints.
func (t *Table) Header() {
	if t.header {
		return
	}
	t.header = true
	line := fmt.Sprintf(tableFormat, "epoch", "train_loss", "valid_loss", "valid_acc", "test_acc", "lr", "seconds")
	fmt.Fprint(t.out, line)
	fmt.Fprintln(t.out, strings.Repeat("-", len(line)-1))
}

// Row prints one epoch. Improved columns are marked with '*'.
func (t *Table) Row(p Progress) {
	valid := fmt.Sprintf("%.6f", p.ValidLoss)
	if p.BestValid {
		valid += "*"
	}
	test := "-"
	if p.Tested() {
		test = fmt.Sprintf("%.2f%%", p.TestAccuracy*100)
	}
	lr := fmt.Sprintf("%.2e", p.LearningRate)
	if p.RateChanged {
		lr += "!"
	}
	fmt.Fprintf(t.out, tableFormat,
		fmt.Sprintf("%d", p.Epoch),
		fmt.Sprintf("%.6f", p.TrainLoss),
		valid,
		fmt.Sprintf("%.2f%%", p.ValidAccuracy*100),
		test,
		lr,
		fmt.Sprintf("%.2f", p.Elapsed.Seconds()),
	)
}

// ProgressBar draws a single-line batch progress indicator
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
}

// NewProgressBar creates a bar for total steps
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       30,
	}
}

// Update advances the bar to step and shows the running loss
func (pb *ProgressBar) Update(step int, loss float64) {
	pb.current = step
	pb.render(loss)
}

// Finish clears the bar line
func (pb *ProgressBar) Finish() {
	fmt.Fprintf(pb.out, "\r%s\r", strings.Repeat(" ", pb.width+len(pb.description)+48))
}

func (pb *ProgressBar) render(loss float64) {
	percentage := 1.0
	if pb.total > 0 {
		percentage = math.Min(float64(pb.current)/float64(pb.total), 1)
	}
	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	if percentage > 0 {
		eta = time.Duration(float64(elapsed)/percentage) - elapsed
	}
	fmt.Fprintf(pb.out, "\r%s: %3.0f%%|%s| %d/%d [%s<%s, loss=%.4f]",
		pb.description, percentage*100, bar, pb.current, pb.total,
		formatDuration(elapsed), formatDuration(eta), loss)
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}
