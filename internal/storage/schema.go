package storage

const schema = `
-- Trainer accounts. Immutable once created.
CREATE TABLE IF NOT EXISTS users (
    id INTEGER PRIMARY KEY,
    username TEXT NOT NULL UNIQUE
);

-- Puzzle content from the upstream dump. rating/rating_deviation are
-- refreshed by re-imports; everything else is effectively immutable.
CREATE TABLE IF NOT EXISTS puzzles (
    puzzle_id TEXT PRIMARY KEY,
    rating INTEGER NOT NULL,
    rating_deviation INTEGER NOT NULL DEFAULT 0,
    popularity INTEGER NOT NULL DEFAULT 0,
    nb_plays INTEGER NOT NULL DEFAULT 0,
    themes TEXT NOT NULL DEFAULT '',
    game_url TEXT NOT NULL DEFAULT '',
    fen TEXT NOT NULL,
    moves TEXT NOT NULL
);

-- Append-only solve/fail log. Rows are never updated or deleted.
CREATE TABLE IF NOT EXISTS attempts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    puzzle_id TEXT NOT NULL,
    attempted_at TEXT NOT NULL,
    result TEXT NOT NULL CHECK(result IN ('win', 'loss')),
    time_ms INTEGER,
    puzzle_rating_after INTEGER,

    UNIQUE(user_id, puzzle_id, attempted_at),
    FOREIGN KEY(user_id) REFERENCES users(id),
    FOREIGN KEY(puzzle_id) REFERENCES puzzles(puzzle_id)
);

CREATE INDEX IF NOT EXISTS idx_attempts_user_puzzle
    ON attempts(user_id, puzzle_id, attempted_at);

-- One schedule record per (user, puzzle). Overwritten whole on every
-- attempt, never deleted. Dates are YYYY-MM-DD (UTC).
CREATE TABLE IF NOT EXISTS srs (
    user_id INTEGER NOT NULL,
    puzzle_id TEXT NOT NULL,
    last_result TEXT NOT NULL CHECK(last_result IN ('win', 'loss')),
    success_streak INTEGER NOT NULL CHECK(success_streak >= 0),
    interval_days INTEGER NOT NULL CHECK(interval_days >= 0),
    due_date TEXT NOT NULL,
    last_reviewed TEXT NOT NULL,

    PRIMARY KEY(user_id, puzzle_id),
    FOREIGN KEY(user_id) REFERENCES users(id),
    FOREIGN KEY(puzzle_id) REFERENCES puzzles(puzzle_id),
    CHECK(due_date >= last_reviewed)
);

CREATE INDEX IF NOT EXISTS idx_srs_user_due ON srs(user_id, due_date);
`
