package server

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/zorxido-ai/zorxido/internal/llm"
	"github.com/zorxido-ai/zorxido/internal/store"
)

const summaryBatchSize = 5

// Scheduler backfills global summaries for books that don't have one yet,
// so the summary path can serve them without falling back to retrieval.
type Scheduler struct {
	Store   *store.Store
	Rdb     *redis.Client
	Gen     llm.Provider
	Model   string
	Cron    string
	LockTTL time.Duration
	Logger  *log.Logger
	Stop    chan struct{}

	lastRun time.Time
}

func (s *Scheduler) Start() {
	if s.Logger == nil {
		s.Logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	if s.LockTTL <= 0 {
		s.LockTTL = 2 * time.Minute
	}
	if s.Stop == nil {
		s.Stop = make(chan struct{})
	}
	ticker := time.NewTicker(1 * time.Minute)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				if !isDue(s.Cron, s.lastRun) {
					continue
				}
				s.lastRun = time.Now()
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) tick() {
	ctx := context.Background()

	// distributed lock so only one replica refreshes summaries
	if s.Rdb != nil {
		ok, err := s.Rdb.SetNX(ctx, "sched:lock:summaries", "1", s.LockTTL).Result()
		if err != nil {
			s.Logger.Printf("summary lock failed: %v", err)
			return
		}
		if !ok {
			return
		}
		defer s.Rdb.Del(ctx, "sched:lock:summaries")
	}

	bookIDs, err := s.Store.ListBooksMissingSummary(ctx, summaryBatchSize)
	if err != nil {
		s.Logger.Printf("listing books missing summaries failed: %v", err)
		return
	}
	for _, id := range bookIDs {
		if err := s.refreshSummary(ctx, id); err != nil {
			s.Logger.Printf("summary refresh for book %s failed: %v", id, err)
		}
	}
}

// refreshSummary derives a global summary for one book from its chapter
// structure and stores it.
func (s *Scheduler) refreshSummary(ctx context.Context, bookID string) error {
	book, err := s.Store.GetBook(ctx, bookID)
	if err != nil {
		return err
	}
	chapters, err := s.Store.ChapterTitles(ctx, bookID)
	if err != nil {
		return err
	}
	if len(chapters) == 0 {
		// nothing to summarize from yet; the book may still be processing
		return nil
	}

	prompt := fmt.Sprintf(`Write a concise executive summary of the book %q by %s based on its table of contents.
Cover the book's purpose, its key themes, and its overall message. Do not invent chapter content beyond what the titles imply.

Table of Contents:
%s`, book.Title, book.Author, strings.Join(chapters, "\n"))

	res, err := s.Gen.Generate(ctx, llm.GenerateRequest{
		Model:       s.Model,
		System:      "You summarize books from their structure. Be accurate and concise.",
		Prompt:      prompt,
		Temperature: 0.3,
	})
	if err != nil {
		return err
	}
	if strings.TrimSpace(res.Text) == "" {
		return fmt.Errorf("empty summary for book %s", bookID)
	}
	if err := s.Store.SetGlobalSummary(ctx, bookID, res.Text); err != nil {
		return err
	}
	s.Logger.Printf("refreshed summary for book %s (%d chapters, %d tokens)", bookID, len(chapters), res.TotalTokens())
	return nil
}

// isDue reports whether the refresher should run now given its cron cadence
// and last run time. Supports "@daily", "@hourly", and standard 5-field cron
// expressions; an empty or invalid spec behaves as "@hourly".
func isDue(cronSpec string, last time.Time) bool {
	now := time.Now()
	if last.IsZero() {
		return true
	}
	switch cronSpec {
	case "@daily":
		return now.Sub(last) >= 24*time.Hour
	case "", "@hourly":
		return now.Sub(last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			return now.Sub(last) >= time.Hour
		}
		return !expr.Next(last).After(now)
	}
}
