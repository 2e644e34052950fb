// Package importer loads puzzle packs into the database. Packs are CSV
// files in the upstream dump format, optionally zstd-compressed, coming
// from local paths, HTTP URLs or git repositories.
package importer

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/conorfennell/tactix/internal/domain"
	"github.com/conorfennell/tactix/internal/storage"
)

// batchSize bounds how many puzzles go into one upsert transaction.
const batchSize = 5000

// Importer streams puzzle CSVs into storage.
type Importer struct {
	db     *storage.DB
	client *http.Client
	logger *slog.Logger
}

// New creates an importer. logger may be nil.
func New(db *storage.DB, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{db: db, client: http.DefaultClient, logger: logger}
}

// ImportFile loads a puzzle CSV from disk. Files ending in .zst are
// decompressed on the fly.
func (im *Importer) ImportFile(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open puzzle file: %w", err)
	}
	defer f.Close()

	r := io.Reader(f)
	if strings.HasSuffix(path, ".zst") {
		zr, err := zstd.NewReader(f)
		if err != nil {
			return 0, fmt.Errorf("failed to open zstd stream: %w", err)
		}
		defer zr.Close()
		r = zr
	}
	return im.Read(ctx, r)
}

// ImportURL downloads and loads a puzzle CSV. URLs ending in .zst are
// decompressed on the fly.
func (im *Importer) ImportURL(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build puzzle request: %w", err)
	}
	resp, err := im.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to download puzzles: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("failed to download puzzles: unexpected status %s", resp.Status)
	}

	r := io.Reader(resp.Body)
	if strings.HasSuffix(url, ".zst") {
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return 0, fmt.Errorf("failed to open zstd stream: %w", err)
		}
		defer zr.Close()
		r = zr
	}
	return im.Read(ctx, r)
}

// ImportDir loads every .csv and .csv.zst file directly under dir.
func (im *Importer) ImportDir(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read puzzle dir: %w", err)
	}
	total := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".csv") && !strings.HasSuffix(name, ".csv.zst") {
			continue
		}
		n, err := im.ImportFile(ctx, filepath.Join(dir, name))
		if err != nil {
			return total, err
		}
		im.logger.Info("imported puzzle pack", "file", name, "puzzles", n)
		total += n
	}
	return total, nil
}

// Read streams a puzzle CSV into storage and returns the number of
// puzzles upserted. The first row must be a header; column order is
// taken from it.
func (im *Importer) Read(ctx context.Context, r io.Reader) (int, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return 0, fmt.Errorf("failed to read csv header: %w", err)
	}
	cols, err := mapColumns(header)
	if err != nil {
		return 0, err
	}

	total := 0
	batch := make([]domain.Puzzle, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := im.db.UpsertPuzzles(ctx, batch); err != nil {
			return err
		}
		total += len(batch)
		batch = batch[:0]
		return nil
	}

	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return total, fmt.Errorf("failed to read csv row: %w", err)
		}
		p, err := cols.puzzle(row)
		if err != nil {
			return total, err
		}
		batch = append(batch, p)
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := flush(); err != nil {
		return total, err
	}
	return total, nil
}

// columns maps dump column names to their positions. Optional columns
// are -1 when the header lacks them.
type columns struct {
	id, fen, moves                         int
	rating, deviation, popularity, nbPlays int
	themes, gameURL                        int
}

func mapColumns(header []string) (*columns, error) {
	c := &columns{
		id: -1, fen: -1, moves: -1,
		rating: -1, deviation: -1, popularity: -1, nbPlays: -1,
		themes: -1, gameURL: -1,
	}
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "puzzleid", "id":
			c.id = i
		case "fen":
			c.fen = i
		case "moves":
			c.moves = i
		case "rating":
			c.rating = i
		case "ratingdeviation":
			c.deviation = i
		case "popularity":
			c.popularity = i
		case "nbplays":
			c.nbPlays = i
		case "themes":
			c.themes = i
		case "gameurl":
			c.gameURL = i
		}
	}
	if c.id < 0 || c.fen < 0 || c.moves < 0 {
		return nil, fmt.Errorf("csv header missing required columns, got %v", header)
	}
	return c, nil
}

func (c *columns) puzzle(row []string) (domain.Puzzle, error) {
	var p domain.Puzzle
	get := func(i int) string {
		if i < 0 || i >= len(row) {
			return ""
		}
		return row[i]
	}
	getInt := func(i int) (int, error) {
		s := get(i)
		if s == "" {
			return 0, nil
		}
		return strconv.Atoi(s)
	}

	p.ID = get(c.id)
	if p.ID == "" {
		return p, fmt.Errorf("csv row has empty puzzle id: %v", row)
	}
	p.FEN = get(c.fen)
	p.Moves = get(c.moves)
	p.Themes = get(c.themes)
	p.GameURL = get(c.gameURL)

	var err error
	if p.Rating, err = getInt(c.rating); err != nil {
		return p, fmt.Errorf("puzzle %s has bad rating: %w", p.ID, err)
	}
	if p.RatingDeviation, err = getInt(c.deviation); err != nil {
		return p, fmt.Errorf("puzzle %s has bad rating deviation: %w", p.ID, err)
	}
	if p.Popularity, err = getInt(c.popularity); err != nil {
		return p, fmt.Errorf("puzzle %s has bad popularity: %w", p.ID, err)
	}
	if p.NbPlays, err = getInt(c.nbPlays); err != nil {
		return p, fmt.Errorf("puzzle %s has bad play count: %w", p.ID, err)
	}
	return p, nil
}
