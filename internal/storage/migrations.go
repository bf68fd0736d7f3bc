package storage

type migration struct {
	version int
	sql     string
}

// migrations must stay ordered with sequential versions starting at 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	id                INTEGER PRIMARY KEY,
	email             TEXT NOT NULL UNIQUE,
	credential_secret TEXT NOT NULL,
	state             TEXT NOT NULL DEFAULT 'registered' CHECK(state IN ('registered', 'tracking', 'idle')),
	created_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_users_state ON users(state);

CREATE TABLE IF NOT EXISTS delivered_notifications (
	notification_id INTEGER NOT NULL,
	user_id         INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	delivered_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (notification_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_delivered_user ON delivered_notifications(user_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
