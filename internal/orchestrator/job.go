package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/extract"
	"github.com/JakeFAU/catalog-harvester/internal/harvest"
	"github.com/JakeFAU/catalog-harvester/internal/metrics"
	"github.com/JakeFAU/catalog-harvester/internal/notify"
	"github.com/JakeFAU/catalog-harvester/internal/report"
	"github.com/JakeFAU/catalog-harvester/internal/worker"
)

// Job outcomes.
const (
	outcomeCompleted = "completed"
	outcomeAborted   = "aborted"
	outcomeCanceled  = "canceled"
)

// run is the job body. Stages execute on a context that ignores cancellation; ctx is
// consulted only between stages.
func (o *Orchestrator) run(ctx context.Context, userID string, j *job) {
	defer o.wg.Done()
	defer o.finish(userID, j)

	ctx, span := o.tracer.Start(ctx, "harvest.job", trace.WithAttributes(
		attribute.String("user_id", userID),
		attribute.String("run_id", j.runID),
		attribute.String("target_url", j.targetURL),
	))
	defer span.End()

	logger := o.logger.With(zap.String("user_id", userID), zap.String("run_id", j.runID))
	started := o.clock.Now()
	o.emit(notify.Event{Type: notify.EventJobStarted, UserID: userID, RunID: j.runID})

	stageCtx := context.WithoutCancel(ctx)
	wjob := worker.Job{UserID: userID, RunID: j.runID}

	// The links stage walks pages sequentially on one session whatever the allocation.
	allocated := o.sched.AdmitRun(userID, j.runID, harvest.StageLinks, 0)
	wjob.Workers = 1
	if ctx.Err() != nil {
		o.abort(span, logger, userID, j.runID, outcomeCanceled, context.Cause(ctx))
		return
	}
	stageStart := o.clock.Now()
	links, err := o.collect(stageCtx, wjob, j.targetURL)
	o.stageDone(userID, j.runID, harvest.StageLinks, len(links), stageStart)
	if err != nil {
		o.abort(span, logger, userID, j.runID, outcomeAborted, err)
		return
	}
	if ctx.Err() != nil {
		o.abort(span, logger, userID, j.runID, outcomeCanceled, context.Cause(ctx))
		return
	}
	if len(links) == 0 {
		o.abort(span, logger, userID, j.runID, outcomeAborted, harvest.ErrNoItems)
		return
	}
	logger.Info("links collected", zap.Int("links", len(links)), zap.Int("allocated", allocated))

	items := make([]harvest.WorkItem, 0, len(links))
	linkSet := make(map[string]string, len(links))
	for _, l := range links {
		items = append(items, harvest.WorkItem{ID: l.Article, URL: l.URL, ImageURL: l.ImageURL})
		linkSet[l.URL] = l.ImageURL
	}

	wjob.Workers = o.sched.AdmitRun(userID, j.runID, harvest.StageProducts, len(items))
	stageStart = o.clock.Now()
	products := runStage(stageCtx, o, wjob, items, worker.ProductProcessor{BaseURL: o.cfg.BaseURL})
	o.stageDone(userID, j.runID, harvest.StageProducts, len(products), stageStart)
	if ctx.Err() != nil {
		o.abort(span, logger, userID, j.runID, outcomeCanceled, context.Cause(ctx))
		return
	}

	sellerItems := distinctSellers(products)
	sellers := make(map[string]harvest.SellerRecord, len(sellerItems))
	if len(sellerItems) > 0 {
		wjob.Workers = o.sched.AdmitRun(userID, j.runID, harvest.StageSellers, len(sellerItems))
		stageStart = o.clock.Now()
		records := runStage(stageCtx, o, wjob, sellerItems, worker.SellerProcessor{BaseURL: o.cfg.BaseURL})
		o.stageDone(userID, j.runID, harvest.StageSellers, len(records), stageStart)
		for _, rec := range records {
			sellers[rec.SellerID] = rec
		}
		if ctx.Err() != nil {
			o.abort(span, logger, userID, j.runID, outcomeCanceled, context.Cause(ctx))
			return
		}
	}

	bundle := harvest.ResultBundle{
		UserID:         userID,
		RunID:          j.runID,
		TargetURL:      j.targetURL,
		Category:       report.CategoryName(j.targetURL),
		Links:          linkSet,
		Products:       products,
		Sellers:        sellers,
		SelectedFields: j.fields,
		Stats:          aggregate(len(links), products, sellers, started, o.clock.Now()),
	}
	o.mu.Lock()
	o.results[userID] = bundle
	o.mu.Unlock()
	logger.Info("job completed",
		zap.Int("products", bundle.Stats.TotalProducts),
		zap.Int("successful_products", bundle.Stats.SuccessfulProducts),
		zap.Int("sellers", bundle.Stats.TotalSellers),
		zap.Duration("elapsed", bundle.Stats.Elapsed),
	)
	metrics.ObserveJob(outcomeCompleted)
	if o.jobTime != nil {
		o.jobTime.Record(ctx, bundle.Stats.Elapsed.Seconds(), metric.WithAttributes(attribute.String("outcome", outcomeCompleted)))
	}

	if ctx.Err() != nil {
		logger.Warn("job stopped before delivery", zap.Error(context.Cause(ctx)))
		return
	}
	o.deliver(stageCtx, logger, bundle)
}

func (o *Orchestrator) collect(ctx context.Context, wjob worker.Job, target string) ([]extract.Link, error) {
	ctx, span := o.tracer.Start(ctx, "harvest.stage", trace.WithAttributes(attribute.String("stage", string(harvest.StageLinks))))
	defer span.End()
	links, err := worker.CollectLinks(ctx, o.runner, wjob, target, worker.LinkConfig{
		BaseURL:     o.cfg.BaseURL,
		MaxProducts: o.cfg.MaxProducts,
		MaxPages:    o.cfg.MaxLinkPages,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Int("items", len(links)))
	return links, err
}

func runStage[R any](ctx context.Context, o *Orchestrator, wjob worker.Job, items []harvest.WorkItem, proc worker.Processor[R]) []R {
	ctx, span := o.tracer.Start(ctx, "harvest.stage", trace.WithAttributes(
		attribute.String("stage", string(proc.Stage())),
		attribute.Int("items", len(items)),
		attribute.Int("workers", wjob.Workers),
	))
	defer span.End()
	return worker.Run(ctx, o.runner, wjob, items, proc)
}

func (o *Orchestrator) deliver(ctx context.Context, logger *zap.Logger, bundle harvest.ResultBundle) {
	var artifacts []string
	for _, w := range o.writers {
		uri, err := w.Write(ctx, bundle)
		if err != nil {
			logger.Error("report writer failed", zap.Error(err))
			continue
		}
		artifacts = append(artifacts, uri)
	}
	if len(artifacts) > 0 {
		o.emit(notify.Event{Type: notify.EventFileReady, UserID: bundle.UserID, RunID: bundle.RunID, Artifacts: artifacts})
	}
	stats := bundle.Stats
	o.emit(notify.Event{
		Type:   notify.EventReportReady,
		UserID: bundle.UserID,
		RunID:  bundle.RunID,
		Dur:    stats.Elapsed,
		Stats:  &stats,
	})
}

func (o *Orchestrator) stageDone(userID, runID string, stage harvest.Stage, items int, started time.Time) {
	o.emit(notify.Event{
		Type:   notify.EventStageCompleted,
		UserID: userID,
		RunID:  runID,
		Stage:  stage,
		Items:  items,
		Dur:    o.clock.Now().Sub(started),
	})
}

func (o *Orchestrator) abort(span trace.Span, logger *zap.Logger, userID, runID, outcome string, reason error) {
	if reason == nil {
		reason = context.Canceled
	}
	span.SetAttributes(attribute.String("outcome", outcome))
	if !errors.Is(reason, context.Canceled) {
		span.SetStatus(codes.Error, reason.Error())
	}
	logger.Warn("job aborted", zap.String("outcome", outcome), zap.Error(reason))
	metrics.ObserveJob(outcome)
	o.emit(notify.Event{Type: notify.EventJobAborted, UserID: userID, RunID: runID, Reason: reason.Error()})
}

func (o *Orchestrator) emit(evt notify.Event) {
	if o.notifier == nil {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = o.clock.Now()
	}
	o.notifier.Emit(evt)
}

// finish runs once per job. It drops the job from the active set if it is still the
// user's current run and releases the scheduler session unless a newer run owns it.
func (o *Orchestrator) finish(userID string, j *job) {
	o.mu.Lock()
	current, ok := o.jobs[userID]
	if ok && current == j {
		delete(o.jobs, userID)
		o.cancelSharedIfIdleLocked()
	}
	newer := ok && current != j
	o.mu.Unlock()
	j.cancel()

	if newer {
		o.logger.Info("release skipped for superseded run",
			zap.String("user_id", userID),
			zap.String("run_id", j.runID),
			zap.String("current_run_id", current.runID),
		)
		return
	}
	o.sched.Release(userID)
}

// distinctSellers lists seller identifiers from successful products in first-seen order.
func distinctSellers(products []harvest.ProductRecord) []harvest.WorkItem {
	seen := make(map[string]struct{})
	var out []harvest.WorkItem
	for _, p := range products {
		if !p.Success || p.SellerID == "" {
			continue
		}
		if _, ok := seen[p.SellerID]; ok {
			continue
		}
		seen[p.SellerID] = struct{}{}
		out = append(out, harvest.WorkItem{ID: p.SellerID, URL: p.SellerLink})
	}
	return out
}

func aggregate(links int, products []harvest.ProductRecord, sellers map[string]harvest.SellerRecord, started, finished time.Time) harvest.Stats {
	st := harvest.Stats{
		TotalLinks:    links,
		TotalProducts: len(products),
		TotalSellers:  len(sellers),
		StartedAt:     started,
		FinishedAt:    finished,
		Elapsed:       finished.Sub(started),
	}
	for _, p := range products {
		if p.Success {
			st.SuccessfulProducts++
		} else {
			st.FailedProducts++
		}
	}
	for _, s := range sellers {
		if s.Success {
			st.SuccessfulSellers++
		}
	}
	if st.TotalProducts > 0 {
		st.MeanPerProduct = st.Elapsed / time.Duration(st.TotalProducts)
	}
	return st
}
