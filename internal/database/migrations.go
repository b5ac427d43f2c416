package database

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    owner_id INTEGER NOT NULL,
    address TEXT NOT NULL,
    account_name TEXT NOT NULL DEFAULT '',
    provider TEXT NOT NULL DEFAULT 'imap',
    password TEXT NOT NULL DEFAULT '',
    imap_server TEXT NOT NULL DEFAULT '',
    notify_chat_id INTEGER NOT NULL DEFAULT 0,
    is_primary BOOLEAN NOT NULL DEFAULT false,
    is_active BOOLEAN NOT NULL DEFAULT true,
    last_sync_cursor TEXT NOT NULL DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(owner_id, address)
)`,
	`CREATE TABLE IF NOT EXISTS categories (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    owner_id INTEGER NOT NULL,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    color TEXT NOT NULL DEFAULT '',
    icon TEXT NOT NULL DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(owner_id, name)
)`,
	`CREATE TABLE IF NOT EXISTS emails (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL REFERENCES accounts(id),
    provider_id TEXT NOT NULL,
    thread_id TEXT NOT NULL DEFAULT '',
    subject TEXT NOT NULL DEFAULT '',
    sender TEXT NOT NULL DEFAULT '',
    received_at DATETIME,
    raw_content TEXT NOT NULL DEFAULT '',
    body_text TEXT NOT NULL DEFAULT '',
    summary TEXT,
    category_id INTEGER REFERENCES categories(id) ON DELETE SET NULL,
    is_read BOOLEAN NOT NULL DEFAULT false,
    is_archived BOOLEAN NOT NULL DEFAULT false,
    is_unsubscribed BOOLEAN NOT NULL DEFAULT false,
    is_deleted BOOLEAN NOT NULL DEFAULT false,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(account_id, provider_id)
)`,
	`CREATE TABLE IF NOT EXISTS unsubscribe_runs (
    id TEXT PRIMARY KEY,
    email_id INTEGER NOT NULL REFERENCES emails(id),
    outcome TEXT NOT NULL,
    steps TEXT NOT NULL DEFAULT '[]',
    error TEXT NOT NULL DEFAULT '',
    sibling_updated_count INTEGER NOT NULL DEFAULT 0,
    started_at DATETIME NOT NULL,
    finished_at DATETIME NOT NULL
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_primary ON accounts(owner_id) WHERE is_primary = true`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_active ON accounts(is_active)`,
	`CREATE INDEX IF NOT EXISTS idx_emails_sender ON emails(account_id, sender)`,
	`CREATE INDEX IF NOT EXISTS idx_emails_category ON emails(category_id)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_email ON unsubscribe_runs(email_id)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
    id BIGSERIAL PRIMARY KEY,
    owner_id BIGINT NOT NULL,
    address TEXT NOT NULL,
    account_name TEXT NOT NULL DEFAULT '',
    provider TEXT NOT NULL DEFAULT 'imap',
    password TEXT NOT NULL DEFAULT '',
    imap_server TEXT NOT NULL DEFAULT '',
    notify_chat_id BIGINT NOT NULL DEFAULT 0,
    is_primary BOOLEAN NOT NULL DEFAULT false,
    is_active BOOLEAN NOT NULL DEFAULT true,
    last_sync_cursor TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ DEFAULT NOW(),
    updated_at TIMESTAMPTZ DEFAULT NOW(),
    UNIQUE(owner_id, address)
)`,
	`CREATE TABLE IF NOT EXISTS categories (
    id BIGSERIAL PRIMARY KEY,
    owner_id BIGINT NOT NULL,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    color TEXT NOT NULL DEFAULT '',
    icon TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ DEFAULT NOW(),
    updated_at TIMESTAMPTZ DEFAULT NOW(),
    UNIQUE(owner_id, name)
)`,
	`CREATE TABLE IF NOT EXISTS emails (
    id BIGSERIAL PRIMARY KEY,
    account_id BIGINT NOT NULL REFERENCES accounts(id),
    provider_id TEXT NOT NULL,
    thread_id TEXT NOT NULL DEFAULT '',
    subject TEXT NOT NULL DEFAULT '',
    sender TEXT NOT NULL DEFAULT '',
    received_at TIMESTAMPTZ,
    raw_content TEXT NOT NULL DEFAULT '',
    body_text TEXT NOT NULL DEFAULT '',
    summary TEXT,
    category_id BIGINT REFERENCES categories(id) ON DELETE SET NULL,
    is_read BOOLEAN NOT NULL DEFAULT false,
    is_archived BOOLEAN NOT NULL DEFAULT false,
    is_unsubscribed BOOLEAN NOT NULL DEFAULT false,
    is_deleted BOOLEAN NOT NULL DEFAULT false,
    created_at TIMESTAMPTZ DEFAULT NOW(),
    updated_at TIMESTAMPTZ DEFAULT NOW(),
    UNIQUE(account_id, provider_id)
)`,
	`CREATE TABLE IF NOT EXISTS unsubscribe_runs (
    id TEXT PRIMARY KEY,
    email_id BIGINT NOT NULL REFERENCES emails(id),
    outcome TEXT NOT NULL,
    steps TEXT NOT NULL DEFAULT '[]',
    error TEXT NOT NULL DEFAULT '',
    sibling_updated_count BIGINT NOT NULL DEFAULT 0,
    started_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_primary ON accounts(owner_id) WHERE is_primary = true`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_active ON accounts(is_active)`,
	`CREATE INDEX IF NOT EXISTS idx_emails_sender ON emails(account_id, sender)`,
	`CREATE INDEX IF NOT EXISTS idx_emails_category ON emails(category_id)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_email ON unsubscribe_runs(email_id)`,
}
