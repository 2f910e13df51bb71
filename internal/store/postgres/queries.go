package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS report_schedules (
    id            UUID PRIMARY KEY,
    name          TEXT        NOT NULL,
    report_type   TEXT        NOT NULL,
    frequency     TEXT        NOT NULL,
    anchor        INT         NOT NULL DEFAULT 0,
    time_hour     INT         NOT NULL,
    time_minute   INT         NOT NULL,
    timezone      TEXT        NOT NULL,
    cron_expr     TEXT        NOT NULL DEFAULT '',
    recipients    TEXT[]      NOT NULL,
    format        TEXT        NOT NULL,
    active        BOOLEAN     NOT NULL,
    next_run_at   TIMESTAMPTZ NOT NULL,
    last_run_at   TIMESTAMPTZ,
    last_outcome  TEXT        NOT NULL DEFAULT '',
    claimed_until TIMESTAMPTZ,
    version       BIGINT      NOT NULL DEFAULT 0,
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_report_schedules_due
    ON report_schedules (next_run_at) WHERE active;
`

const scheduleColumns = `
    id, name, report_type, frequency, anchor, time_hour, time_minute,
    timezone, cron_expr, recipients, format, active,
    next_run_at, last_run_at, last_outcome, claimed_until, version,
    created_at, updated_at`

const queryInsertSchedule = `
INSERT INTO report_schedules (
    id, name, report_type, frequency, anchor, time_hour, time_minute,
    timezone, cron_expr, recipients, format, active,
    next_run_at, last_run_at, last_outcome, claimed_until, version,
    created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
`

const queryGetSchedule = `
SELECT` + scheduleColumns + `
FROM report_schedules
WHERE id = $1
`

const queryUpdateSchedule = `
UPDATE report_schedules
SET name = $3, report_type = $4, frequency = $5, anchor = $6,
    time_hour = $7, time_minute = $8, timezone = $9, cron_expr = $10,
    recipients = $11, format = $12, active = $13, next_run_at = $14,
    version = version + 1, updated_at = $15
WHERE id = $1 AND version = $2
`

const queryDeleteSchedule = `
DELETE FROM report_schedules WHERE id = $1 RETURNING id
`

const queryListSchedules = `
SELECT` + scheduleColumns + `
FROM report_schedules
ORDER BY created_at DESC, id
LIMIT $1 OFFSET $2
`

const queryListDue = `
SELECT` + scheduleColumns + `
FROM report_schedules
WHERE active = true
  AND next_run_at <= $1
  AND (claimed_until IS NULL OR claimed_until < $1)
ORDER BY next_run_at ASC, id ASC
LIMIT $2
`

// queryClaim is the single serialization point between dispatchers: one
// conditional write, atomic at the storage layer.
const queryClaim = `
UPDATE report_schedules
SET claimed_until = $3, version = version + 1
WHERE id = $1 AND version = $2 AND active = true
  AND (claimed_until IS NULL OR claimed_until < NOW())
`

// queryFinishRun is keyed on the lease timestamp so a dispatcher that lost
// its lease mid-run cannot clobber a reclaiming dispatcher's write.
const queryFinishRun = `
UPDATE report_schedules
SET last_outcome = $3,
    last_run_at = COALESCE($4, last_run_at),
    next_run_at = $5,
    claimed_until = NULL,
    version = version + 1,
    updated_at = NOW()
WHERE id = $1 AND claimed_until = $2
`

const queryRecordManualRun = `
UPDATE report_schedules
SET last_outcome = $2,
    last_run_at = CASE WHEN $2 = 'success' THEN $3 ELSE last_run_at END,
    version = version + 1,
    updated_at = NOW()
WHERE id = $1
`
