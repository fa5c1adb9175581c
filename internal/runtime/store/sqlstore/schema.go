package sqlstore

var schema = []string{
	`CREATE TABLE IF NOT EXISTS commands (
		message_id         TEXT PRIMARY KEY,
		correlation_id     TEXT NOT NULL,
		topic              TEXT NOT NULL DEFAULT '',
		type_tag           TEXT NOT NULL,
		content_type       TEXT NOT NULL DEFAULT '',
		payload            {blob},
		saga_id            TEXT NULL,
		saga_type          TEXT NOT NULL DEFAULT '',
		parent_message_id  TEXT NULL,
		status             TEXT NOT NULL,
		fault_code         TEXT NOT NULL DEFAULT '',
		fault_detail       TEXT NOT NULL DEFAULT '',
		reply_to           TEXT NOT NULL DEFAULT '',
		reply_message_id   TEXT NULL,
		reply_type_tag     TEXT NOT NULL DEFAULT '',
		reply_content_type TEXT NOT NULL DEFAULT '',
		reply_payload      {blob},
		events_published   BOOLEAN NOT NULL DEFAULT FALSE,
		sent_at            {time} NULL,
		received_at        {time} NULL,
		processed_at       {time} NULL
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		message_id          TEXT PRIMARY KEY,
		correlation_id      TEXT NOT NULL DEFAULT '',
		topic               TEXT NOT NULL DEFAULT '',
		type_tag            TEXT NOT NULL,
		content_type        TEXT NOT NULL DEFAULT '',
		payload             {blob},
		saga_id             TEXT NULL,
		saga_type           TEXT NOT NULL DEFAULT '',
		parent_message_id   TEXT NOT NULL,
		aggregate_root_id   TEXT NOT NULL,
		aggregate_root_type TEXT NOT NULL DEFAULT '',
		version             BIGINT NOT NULL,
		position            INTEGER NOT NULL,
		sent_at             {time} NULL,
		UNIQUE (aggregate_root_id, version)
	)`,
	`CREATE INDEX IF NOT EXISTS events_parent_idx ON events (parent_message_id)`,
	`CREATE INDEX IF NOT EXISTS commands_saga_idx ON commands (saga_id)`,
}
