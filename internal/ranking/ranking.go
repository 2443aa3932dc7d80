package ranking

import (
	"context"
	"fmt"
	"math"
	"time"

	"dvermarket/catalogworker/config"
	"dvermarket/catalogworker/internal/store"
	"dvermarket/catalogworker/logger"
	cerrors "dvermarket/catalogworker/pkg/errors"
)

// Store is the slice of the catalog store the ranking engine needs.
type Store interface {
	ListProducts(ctx context.Context) ([]store.CatalogProduct, error)
	ListAnalyticsSamples(ctx context.Context, from, to time.Time) ([]store.AnalyticsSample, error)
	WriteRankingScore(ctx context.Context, productID int64, score float64) error
}

// Weights controls how much each analytics signal contributes to a score.
type Weights struct {
	View     float64
	Purchase float64
	Review   float64
}

// Engine recomputes product ranking scores from analytics samples. Scores
// are a pure function of the sample window and the configured weights, so
// two runs over the same data always produce the same result.
type Engine struct {
	store   Store
	weights Weights
	decay   float64
	window  time.Duration
	log     *logger.Logger
}

func New(st Store, cfg *config.Config) *Engine {
	return &Engine{
		store: st,
		weights: Weights{
			View:     cfg.RankingViewWeight,
			Purchase: cfg.RankingPurchaseWeight,
			Review:   cfg.RankingReviewWeight,
		},
		decay:  cfg.RankingDecay,
		window: time.Duration(cfg.RankingWindowDays) * 24 * time.Hour,
		log:    logger.ForRanking(),
	}
}

// signals aggregates one product's samples within the window.
type signals struct {
	views     float64
	purchases float64
	ratingSum float64
	ratingN   float64
}

func (s *signals) avgRating() float64 {
	if s.ratingN == 0 {
		return 0
	}
	return s.ratingSum / s.ratingN
}

// Recompute scores every catalog product from the samples in [from, to).
// Products with at least one sample get a weighted sum of their
// max-normalized view count, purchase count and average review rating,
// scaled to 0..100. Products without samples keep their previous score,
// or decay toward zero when a decay factor is configured. The returned
// map holds the score now in effect for every product.
func (e *Engine) Recompute(ctx context.Context, from, to time.Time) (map[int64]float64, error) {
	started := time.Now()

	products, err := e.store.ListProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	samples, err := e.store.ListAnalyticsSamples(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list analytics samples: %w", err)
	}

	agg := aggregate(samples)
	maxViews, maxPurchases, maxRating := maxima(agg)

	scores := make(map[int64]float64, len(products))
	var scored, decayed, writeFailures int
	var lastWriteErr error

	// Products arrive in stable ID order from the store; walking them in
	// that order keeps write order reproducible across runs.
	for _, p := range products {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sig, ok := agg[p.ID]
		if !ok {
			score := p.RankingScore
			if e.decay > 0 {
				score = round4(score * (1 - e.decay))
				if score != p.RankingScore {
					if err := e.store.WriteRankingScore(ctx, p.ID, score); err != nil {
						writeFailures++
						lastWriteErr = err
						score = p.RankingScore
					} else {
						decayed++
					}
				}
			}
			scores[p.ID] = score
			continue
		}

		score := e.score(sig, maxViews, maxPurchases, maxRating)
		if err := e.store.WriteRankingScore(ctx, p.ID, score); err != nil {
			writeFailures++
			lastWriteErr = err
			scores[p.ID] = p.RankingScore
			continue
		}
		scored++
		scores[p.ID] = score
	}

	e.log.Info().
		Int("products", len(products)).
		Int("samples", len(samples)).
		Int("scored", scored).
		Int("decayed", decayed).
		Dur("elapsed", time.Since(started)).
		Msg("ranking recompute finished")

	if writeFailures > 0 {
		return scores, cerrors.NewStoreWrite("ranking",
			fmt.Sprintf("failed to write %d of %d scores", writeFailures, len(products)), lastWriteErr)
	}
	return scores, nil
}

// RecomputeWindow runs Recompute over the configured trailing window
// ending now.
func (e *Engine) RecomputeWindow(ctx context.Context) (map[int64]float64, error) {
	now := time.Now()
	return e.Recompute(ctx, now.Add(-e.window), now)
}

// score combines one product's signals into a 0..100 value. Each signal is
// normalized against the period maximum so the best product in each
// dimension scores 1 before weighting.
func (e *Engine) score(sig *signals, maxViews, maxPurchases, maxRating float64) float64 {
	var total float64
	if maxViews > 0 {
		total += e.weights.View * (sig.views / maxViews)
	}
	if maxPurchases > 0 {
		total += e.weights.Purchase * (sig.purchases / maxPurchases)
	}
	if maxRating > 0 {
		total += e.weights.Review * (sig.avgRating() / maxRating)
	}

	weightSum := e.weights.View + e.weights.Purchase + e.weights.Review
	if weightSum <= 0 {
		return 0
	}
	score := 100 * total / weightSum
	return round4(math.Max(0, math.Min(score, 100)))
}

func aggregate(samples []store.AnalyticsSample) map[int64]*signals {
	agg := make(map[int64]*signals)
	for _, s := range samples {
		sig, ok := agg[s.ProductID]
		if !ok {
			sig = &signals{}
			agg[s.ProductID] = sig
		}
		switch s.Kind {
		case store.SampleView:
			sig.views++
		case store.SamplePurchase:
			sig.purchases++
		case store.SampleReview:
			if s.Value > 0 {
				sig.ratingSum += s.Value
				sig.ratingN++
			}
		}
	}
	return agg
}

func maxima(agg map[int64]*signals) (maxViews, maxPurchases, maxRating float64) {
	for _, sig := range agg {
		maxViews = math.Max(maxViews, sig.views)
		maxPurchases = math.Max(maxPurchases, sig.purchases)
		maxRating = math.Max(maxRating, sig.avgRating())
	}
	return maxViews, maxPurchases, maxRating
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
