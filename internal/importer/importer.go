package importer

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/firebird631/siis-sub001/internal/models"
	"github.com/firebird631/siis-sub001/internal/services/backfill"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
)

// CandleWriter persists imported candles
type CandleWriter interface {
	BatchCreateCandles(ctx context.Context, candles []models.Candle) error
}

// Importer runs the backfill cascade over long periods, one month per task,
// and stores the consolidated candles
type Importer struct {
	gen      *backfill.Generator
	writer   CandleWriter
	logger   *logrus.Logger
	progress io.Writer
}

type ImportJob struct {
	Exchange   string
	Symbols    []string
	Timeframes []models.Timeframe
	From       time.Time
	To         time.Time
	Workers    int
}

func (j *ImportJob) String() string {
	return fmt.Sprintf("%d symbols on %s (%d timeframes) from %s to %s",
		len(j.Symbols), j.Exchange, len(j.Timeframes), j.From.Format("2006-01-02"), j.To.Format("2006-01-02"))
}

type chunkTask struct {
	Market models.MarketID
	From   time.Time
	To     time.Time
}

type importResult struct {
	Task    chunkTask
	Count   int
	Skipped int // history windows given up
	Error   error
}

// Summary totals an import
type Summary struct {
	Tasks   int
	Failed  int
	Candles int
	Skipped int
}

func New(gen *backfill.Generator, writer CandleWriter, logger *logrus.Logger) *Importer {
	return &Importer{
		gen:      gen,
		writer:   writer,
		logger:   logger,
		progress: os.Stderr,
	}
}

// SetProgressOutput redirects the progress bar
func (imp *Importer) SetProgressOutput(w io.Writer) {
	imp.progress = w
}

func (imp *Importer) Import(ctx context.Context, job *ImportJob) (Summary, error) {
	var summary Summary
	if !job.From.Before(job.To) {
		return summary, fmt.Errorf("empty period %s - %s", job.From, job.To)
	}
	workers := job.Workers
	if workers <= 0 {
		workers = 1
	}

	tasks := generateTasks(job)
	summary.Tasks = len(tasks)

	taskChan := make(chan chunkTask, len(tasks))
	resultChan := make(chan importResult, len(tasks))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range taskChan {
				resultChan <- imp.processChunk(ctx, task, job.Timeframes)
			}
		}()
	}

	for _, task := range tasks {
		taskChan <- task
	}
	close(taskChan)

	bar := progressbar.NewOptions(len(tasks),
		progressbar.OptionSetWriter(imp.progress),
		progressbar.OptionSetDescription(fmt.Sprintf("Importing %s", job.Exchange)),
		progressbar.OptionSetWidth(50),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	for result := range resultChan {
		_ = bar.Add(1)
		if result.Error != nil {
			summary.Failed++
			imp.logger.Warnf("  ❌ %s %s: %v", result.Task.Market, result.Task.From.Format("2006-01"), result.Error)
			continue
		}
		summary.Candles += result.Count
		summary.Skipped += result.Skipped
		imp.logger.Debugf("  ✅ %s %s: %d candles", result.Task.Market, result.Task.From.Format("2006-01"), result.Count)
	}

	imp.logger.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	imp.logger.Info("📈 Import Summary")
	imp.logger.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	imp.logger.Infof("Total tasks:      %d", summary.Tasks)
	imp.logger.Infof("✅ Candles:       %d", summary.Candles)
	imp.logger.Infof("⏭️  Skipped windows: %d", summary.Skipped)
	imp.logger.Infof("❌ Failed:        %d", summary.Failed)

	if ctx.Err() != nil {
		return summary, ctx.Err()
	}
	if summary.Failed > 0 {
		return summary, fmt.Errorf("import completed with %d failures", summary.Failed)
	}
	return summary, nil
}

// generateTasks splits the period into calendar months for every symbol
func generateTasks(job *ImportJob) []chunkTask {
	var tasks []chunkTask

	for _, symbol := range job.Symbols {
		market := models.NewMarketID(job.Exchange, symbol)
		from := job.From.UTC()
		for from.Before(job.To) {
			monthStart := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, time.UTC)
			to := monthStart.AddDate(0, 1, 0)
			if to.After(job.To) {
				to = job.To.UTC()
			}
			tasks = append(tasks, chunkTask{Market: market, From: from, To: to})
			from = to
		}
	}

	return tasks
}

// processChunk builds the candles of one month. Windows crossing the chunk
// end are left to the next chunk, which sees them complete.
func (imp *Importer) processChunk(ctx context.Context, task chunkTask, targets []models.Timeframe) importResult {
	now := task.To
	if wall := time.Now(); now.After(wall) {
		now = wall
	}

	result, err := imp.gen.Generate(ctx, task.Market, targets, task.From, now)
	if err != nil {
		return importResult{Task: task, Error: err}
	}

	var candles []models.Candle
	for _, s := range result.Series {
		candles = append(candles, s.Candles...)
	}
	if len(candles) == 0 {
		return importResult{Task: task, Skipped: result.Skipped}
	}

	if err := imp.writer.BatchCreateCandles(ctx, candles); err != nil {
		return importResult{Task: task, Error: fmt.Errorf("failed to insert candles: %w", err)}
	}

	return importResult{Task: task, Count: len(candles), Skipped: result.Skipped}
}
