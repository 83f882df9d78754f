package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/smartmeetos/smartmeetos"
	"github.com/smartmeetos/smartmeetos/calendar"
	"github.com/smartmeetos/smartmeetos/notetaker"
	"github.com/smartmeetos/smartmeetos/observer"
	"github.com/smartmeetos/smartmeetos/transcript"
)

// Transcripts arrive from the harvester well after the supervisor returns,
// so the merge poll has to outlast the harvest window.
const (
	mergeWait = 25 * time.Minute
	mergePoll = 30 * time.Second
)

// meetingRunner runs the supervisor for one occurrence and, once its
// transcripts have been harvested, merges them and feeds the text through
// the pipeline in the background. The scheduler is free to dispatch the
// next meeting while that happens.
type meetingRunner struct {
	sup       *notetaker.Supervisor
	merger    *transcript.Merger
	processor observer.TranscriptProcessor
	sink      smartmeetos.NotificationSink
	logger    *slog.Logger
	ctx       context.Context
	wg        sync.WaitGroup
}

func (r *meetingRunner) Run(ctx context.Context, m notetaker.Meeting) smartmeetos.MeetingRunResult {
	res := r.sup.Run(ctx, m)
	if !res.OK {
		return res
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.mergeAndProcess(m, res)
	}()
	return res
}

// wait blocks until all background merge-and-process goroutines finish.
func (r *meetingRunner) wait() { r.wg.Wait() }

func (r *meetingRunner) mergeAndProcess(m notetaker.Meeting, res smartmeetos.MeetingRunResult) {
	txtPath := r.awaitMerge(res.EventID, res.StartInstant)
	if txtPath == "" {
		r.logger.Warn("no transcripts to process", "event_id", res.EventID)
		return
	}

	text, err := os.ReadFile(txtPath)
	if err != nil {
		r.logger.Error("read merged transcript", "path", txtPath, "error", err)
		return
	}

	src, _ := calendar.DetectSource(m.MeetingURL)
	meeting := smartmeetos.Meeting{
		Title:         m.Summary,
		StartTime:     m.Start.Unix(),
		EndTime:       m.End.Unix(),
		TranscriptURL: txtPath,
		Source:        src,
	}
	inputs, err := r.processor.ProcessTranscript(r.ctx, meeting, string(text))
	if err != nil {
		r.logger.Error("pipeline failed", "event_id", res.EventID, "error", err)
		return
	}
	n := smartmeetos.Notification{
		Kind:  "pipeline_complete",
		Title: m.Summary,
		Body:  fmt.Sprintf("%d inputs synthesized", len(inputs)),
	}
	if err := r.sink.Notify(r.ctx, n); err != nil {
		r.logger.Warn("notify pipeline completion", "event_id", res.EventID, "error", err)
	}
}

// awaitMerge polls until the harvester has produced fragments and they merge
// cleanly, or the wait window runs out. Returns the merged text path, or ""
// when nothing arrived.
func (r *meetingRunner) awaitMerge(eventID, startInstant string) string {
	deadline := time.Now().Add(mergeWait)
	for {
		_, txtPath, err := r.merger.Merge(eventID, startInstant, false)
		if err != nil {
			r.logger.Error("merge transcripts", "event_id", eventID, "error", err)
			return ""
		}
		if txtPath != "" {
			return txtPath
		}
		if time.Now().After(deadline) {
			return ""
		}
		select {
		case <-r.ctx.Done():
			return ""
		case <-time.After(mergePoll):
		}
	}
}
