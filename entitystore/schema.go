package entitystore

const schemaSQL = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	name TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'archived')),
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_projects_tenant ON projects(tenant_id, status);

CREATE TABLE IF NOT EXISTS entities (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	campaign_id TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entities_stage ON entities(project_id, campaign_id, entity_type, status);

CREATE TABLE IF NOT EXISTS anchors (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	campaign_id TEXT NOT NULL,
	term TEXT NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE (project_id, campaign_id, term)
);

CREATE TABLE IF NOT EXISTS keywords (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	campaign_id TEXT NOT NULL,
	anchor_id TEXT REFERENCES anchors(id) ON DELETE SET NULL,
	term TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'used')),
	created_at TEXT NOT NULL,
	UNIQUE (project_id, campaign_id, term)
);

CREATE INDEX IF NOT EXISTS idx_keywords_status ON keywords(project_id, campaign_id, status);
`
