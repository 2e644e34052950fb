// Package web serves the local review UI: today's queue and a form to
// log results against it.
package web

import (
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"log"
	"net/http"
	"time"

	"github.com/conorfennell/tactix/internal/domain"
	"github.com/conorfennell/tactix/internal/review"
	"github.com/conorfennell/tactix/internal/srs"
	"github.com/conorfennell/tactix/internal/storage"
)

//go:embed all:templates
var templateFiles embed.FS

// Options tunes queue building and duplicate suppression.
type Options struct {
	UserID         int64
	QueueCap       int
	IncludeOverdue bool
	HideTodayDone  bool
	// DedupWindow absorbs double-submits of the same result.
	DedupWindow time.Duration
}

// Server holds the dependencies for the HTTP server.
type Server struct {
	db        *storage.DB
	svc       *review.Service
	opts      Options
	router    *http.ServeMux
	templates *template.Template
	now       func() time.Time
}

// NewServer creates and configures a new server.
func NewServer(db *storage.DB, svc *review.Service, opts Options) *Server {
	tpl, err := template.ParseFS(templateFiles, "templates/*.html")
	if err != nil {
		log.Fatalf("Failed to parse templates: %v", err)
	}

	s := &Server{
		db:        db,
		svc:       svc,
		opts:      opts,
		router:    http.NewServeMux(),
		templates: tpl,
		now:       time.Now,
	}
	s.routes()
	return s
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.HandleFunc("/", s.handleIndex())
	s.router.HandleFunc("/queue", s.handleQueue())
	s.router.HandleFunc("/log", s.handlePostLog())
	s.router.HandleFunc("/health", s.handleHealth())
}

func (s *Server) handleIndex() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		http.Redirect(w, r, "/queue", http.StatusFound)
	}
}

type queueRow struct {
	storage.DueItem
	Overdue bool
}

func (s *Server) handleQueue() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		now := s.now()
		items, err := s.svc.Queue(r.Context(), s.opts.UserID, now, review.QueueOptions{
			Cap:            s.opts.QueueCap,
			IncludeOverdue: s.opts.IncludeOverdue,
			HideTodayDone:  s.opts.HideTodayDone,
		})
		if err != nil {
			log.Printf("Error building queue: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		today := srs.DateOf(now)
		rows := make([]queueRow, 0, len(items))
		for _, it := range items {
			rows = append(rows, queueRow{DueItem: it, Overdue: it.DueDate.Before(today)})
		}
		data := map[string]interface{}{
			"Date":  today.Format("Monday, 2 January 2006"),
			"Items": rows,
		}
		if err := s.templates.ExecuteTemplate(w, "queue.html", data); err != nil {
			log.Printf("Error rendering queue: %v", err)
		}
	}
}

func (s *Server) handlePostLog() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		puzzleID := r.PostFormValue("puzzle_id")
		result, err := domain.ParseResult(r.PostFormValue("result"))
		if err != nil {
			http.Error(w, "Result must be win or loss", http.StatusBadRequest)
			return
		}

		now := s.now()
		if s.opts.DedupWindow > 0 {
			last, err := s.db.LastAttemptOfResult(r.Context(), s.opts.UserID, puzzleID, result)
			if err != nil {
				log.Printf("Error checking recent attempts: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			if last != nil && now.Sub(*last) < s.opts.DedupWindow {
				// Double-click; the first submit already counted.
				http.Redirect(w, r, "/queue", http.StatusSeeOther)
				return
			}
		}

		_, err = s.svc.RecordAttempt(r.Context(), review.AttemptInput{
			UserID:      s.opts.UserID,
			PuzzleID:    puzzleID,
			Result:      result,
			AttemptedAt: now,
		})
		switch {
		case err == nil:
			http.Redirect(w, r, "/queue", http.StatusSeeOther)
		case errors.Is(err, domain.ErrInvalidReference):
			http.Error(w, "Unknown puzzle", http.StatusNotFound)
		case errors.Is(err, domain.ErrDuplicateAttempt), errors.Is(err, domain.ErrStaleAttempt):
			http.Error(w, "Attempt already recorded", http.StatusConflict)
		case errors.Is(err, domain.ErrConstraintViolation):
			http.Error(w, "Invalid attempt", http.StatusBadRequest)
		default:
			log.Printf("Error recording attempt: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
	}
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}
