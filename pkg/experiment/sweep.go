package experiment

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/mimir-aip/labelnoise/pkg/models"
	"github.com/mimir-aip/labelnoise/pkg/report"
)

// SweepRequest repeats the comparison over several noise rates
type SweepRequest struct {
	Request
	Rates       []float64
	Trials      int // Trials per rate; trial t uses noise seed Noise.Seed+t
	Parallelism int // Concurrent trials; values below 1 run them one at a time
}

// SweepResult holds one aggregate per rate, in request order
type SweepResult struct {
	Points []models.SweepPoint
}

// Monotonic reports whether mean noisy accuracy never rises by more than tol
// as the rate increases. Points are assumed to be in increasing rate order.
func (s *SweepResult) Monotonic(tol float64) bool {
	for i := 1; i < len(s.Points); i++ {
		if s.Points[i].MeanNoisyAccuracy > s.Points[i-1].MeanNoisyAccuracy+tol {
			return false
		}
	}
	return true
}

// Sweep trains clean and noisy models at each rate without tracking and
// prints a summary table.
func (r *Runner) Sweep(ctx context.Context, req SweepRequest) (*SweepResult, error) {
	if len(req.Rates) == 0 {
		return nil, fmt.Errorf("sweep needs at least one rate")
	}
	trials := req.Trials
	if trials <= 0 {
		trials = 1
	}

	ds, err := loadDataset(req.Request)
	if err != nil {
		return nil, err
	}

	result := &SweepResult{Points: make([]models.SweepPoint, 0, len(req.Rates))}
	for _, rate := range req.Rates {
		clean := make([]float64, trials)
		noisy := make([]float64, trials)
		noisyF1 := make([]float64, trials)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(max(req.Parallelism, 1))
		for t := 0; t < trials; t++ {
			t := t
			cfg := req.Noise
			cfg.Rate = rate
			cfg.Seed = req.Noise.Seed + int64(t)
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				res, err := r.compare(ds, cfg, req.Training)
				if err != nil {
					return fmt.Errorf("rate %g trial %d: %w", rate, t, err)
				}
				clean[t] = res.Clean.Metrics.Accuracy
				noisy[t] = res.Noisy.Metrics.Accuracy
				noisyF1[t] = res.Noisy.Metrics.MacroF1
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		mean, std := stat.MeanStdDev(noisy, nil)
		if trials == 1 {
			std = 0
		}
		point := models.SweepPoint{
			Rate:              rate,
			Trials:            trials,
			MeanCleanAccuracy: stat.Mean(clean, nil),
			MeanNoisyAccuracy: mean,
			StdNoisyAccuracy:  std,
			MeanNoisyMacroF1:  stat.Mean(noisyF1, nil),
		}
		result.Points = append(result.Points, point)

		r.log.Info("sweep point",
			zap.Float64("rate", rate),
			zap.Int("trials", trials),
			zap.Float64("mean_noisy_accuracy", mean),
			zap.Float64("std_noisy_accuracy", std))
	}

	report.Sweep(r.out, result.Points)
	return result, nil
}
