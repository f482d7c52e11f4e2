package store

// Schema is the full DDL for the Postgres store. It is idempotent and safe to
// run on every boot; haven-check applies it with --migrate. Spatial columns
// are SRID 4326 with GIST indexes so FirmsCoveringPoint stays an index scan.
const Schema = `
CREATE EXTENSION IF NOT EXISTS postgis;

CREATE TABLE IF NOT EXISTS principals (
    id                TEXT PRIMARY KEY,
    kind              TEXT NOT NULL,
    email             TEXT NOT NULL UNIQUE,
    phone             TEXT NOT NULL UNIQUE,
    password_hash     TEXT NOT NULL,
    verified          BOOLEAN NOT NULL DEFAULT FALSE,
    suspended         BOOLEAN NOT NULL DEFAULT FALSE,
    banned            BOOLEAN NOT NULL DEFAULT FALSE,
    prank_count       INTEGER NOT NULL DEFAULT 0,
    failed_attempts   INTEGER NOT NULL DEFAULT 0,
    locked_until      TIMESTAMPTZ,
    otp_digest        TEXT,
    otp_expires_at    TIMESTAMPTZ,
    otp_attempts_left INTEGER NOT NULL DEFAULT 0,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS security_firms (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL,
    registration_no TEXT NOT NULL,
    vat_no          TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL,
    credit_balance  BIGINT NOT NULL DEFAULT 0 CHECK (credit_balance >= 0),
    locked          BOOLEAN NOT NULL DEFAULT FALSE,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS firm_members (
    id           TEXT PRIMARY KEY,
    principal_id TEXT NOT NULL REFERENCES principals(id),
    firm_id      TEXT NOT NULL REFERENCES security_firms(id),
    role         TEXT NOT NULL,
    active       BOOLEAN NOT NULL DEFAULT TRUE,
    UNIQUE (principal_id)
);
CREATE INDEX IF NOT EXISTS firm_members_firm_idx ON firm_members(firm_id);

CREATE TABLE IF NOT EXISTS teams (
    id         TEXT PRIMARY KEY,
    firm_id    TEXT NOT NULL REFERENCES security_firms(id),
    name       TEXT NOT NULL,
    leader_id  TEXT NOT NULL,
    member_ids TEXT[] NOT NULL DEFAULT '{}',
    active     BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE INDEX IF NOT EXISTS teams_firm_idx ON teams(firm_id);

CREATE TABLE IF NOT EXISTS coverage_areas (
    id         TEXT PRIMARY KEY,
    firm_id    TEXT NOT NULL REFERENCES security_firms(id),
    name       TEXT NOT NULL,
    ring       geometry(POLYGON, 4326) NOT NULL,
    active     BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS coverage_areas_firm_idx ON coverage_areas(firm_id);
CREATE INDEX IF NOT EXISTS coverage_areas_ring_gix ON coverage_areas USING GIST(ring);

CREATE TABLE IF NOT EXISTS provider_types (
    id                TEXT PRIMARY KEY,
    code              TEXT NOT NULL UNIQUE,
    name              TEXT NOT NULL,
    default_radius_km DOUBLE PRECISION NOT NULL,
    priority          INTEGER NOT NULL DEFAULT 0,
    active            BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS providers (
    id           TEXT PRIMARY KEY,
    firm_id      TEXT NOT NULL REFERENCES security_firms(id),
    type_id      TEXT NOT NULL REFERENCES provider_types(id),
    name         TEXT NOT NULL,
    current_pos  geometry(POINT, 4326) NOT NULL,
    base_pos     geometry(POINT, 4326) NOT NULL,
    radius_km    DOUBLE PRECISION NOT NULL,
    capabilities TEXT[] NOT NULL DEFAULT '{}',
    status       TEXT NOT NULL,
    active       BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE INDEX IF NOT EXISTS providers_type_idx ON providers(type_id, status) WHERE active;
CREATE INDEX IF NOT EXISTS providers_pos_gix ON providers USING GIST(current_pos);

CREATE TABLE IF NOT EXISTS user_groups (
    id                      TEXT PRIMARY KEY,
    name                    TEXT NOT NULL,
    address                 TEXT NOT NULL,
    point                   geometry(POINT, 4326) NOT NULL,
    subscription_id         TEXT NOT NULL DEFAULT '',
    subscription_expires_at TIMESTAMPTZ,
    created_at              TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS user_groups_expiry_idx ON user_groups(subscription_expires_at)
    WHERE subscription_expires_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS group_memberships (
    id           TEXT PRIMARY KEY,
    group_id     TEXT NOT NULL REFERENCES user_groups(id),
    principal_id TEXT NOT NULL REFERENCES principals(id),
    role         TEXT NOT NULL,
    active       BOOLEAN NOT NULL DEFAULT TRUE,
    UNIQUE (group_id, principal_id)
);
CREATE INDEX IF NOT EXISTS group_memberships_principal_idx ON group_memberships(principal_id);

CREATE TABLE IF NOT EXISTS group_phones (
    id       TEXT PRIMARY KEY,
    group_id TEXT NOT NULL REFERENCES user_groups(id),
    phone    TEXT NOT NULL UNIQUE,
    kind     TEXT NOT NULL,
    verified BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS group_phones_group_idx ON group_phones(group_id);

CREATE TABLE IF NOT EXISTS subscription_products (
    id          TEXT PRIMARY KEY,
    firm_id     TEXT NOT NULL REFERENCES security_firms(id),
    name        TEXT NOT NULL,
    max_users   INTEGER NOT NULL,
    price_cents BIGINT NOT NULL,
    credit_cost BIGINT NOT NULL,
    active      BOOLEAN NOT NULL DEFAULT TRUE,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS subscription_products_firm_idx ON subscription_products(firm_id);

CREATE TABLE IF NOT EXISTS stored_subscriptions (
    id               TEXT PRIMARY KEY,
    user_id          TEXT NOT NULL REFERENCES principals(id),
    product_id       TEXT NOT NULL REFERENCES subscription_products(id),
    applied          BOOLEAN NOT NULL DEFAULT FALSE,
    applied_to_group TEXT NOT NULL DEFAULT '',
    purchased_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    applied_at       TIMESTAMPTZ,
    payment_ref      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS stored_subscriptions_user_idx ON stored_subscriptions(user_id);
CREATE UNIQUE INDEX IF NOT EXISTS stored_subscriptions_payment_ref_idx
    ON stored_subscriptions(payment_ref) WHERE payment_ref <> '';

CREATE TABLE IF NOT EXISTS credit_transactions (
    id           TEXT PRIMARY KEY,
    firm_id      TEXT NOT NULL REFERENCES security_firms(id),
    delta        BIGINT NOT NULL,
    reason       TEXT NOT NULL,
    external_ref TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS credit_transactions_firm_idx ON credit_transactions(firm_id, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS credit_transactions_ref_idx
    ON credit_transactions(external_ref) WHERE external_ref <> '';

CREATE TABLE IF NOT EXISTS panic_requests (
    id                   TEXT PRIMARY KEY,
    requester_phone      TEXT NOT NULL,
    requester_id         TEXT NOT NULL DEFAULT '',
    group_id             TEXT NOT NULL DEFAULT '',
    firm_id              TEXT NOT NULL DEFAULT '',
    service              TEXT NOT NULL,
    point                geometry(POINT, 4326) NOT NULL,
    address              TEXT NOT NULL DEFAULT '',
    description          TEXT NOT NULL DEFAULT '',
    status               TEXT NOT NULL,
    grace_alert          BOOLEAN NOT NULL DEFAULT FALSE,
    silent_mode          BOOLEAN NOT NULL DEFAULT FALSE,
    assigned_team_id     TEXT NOT NULL DEFAULT '',
    assigned_provider_id TEXT NOT NULL DEFAULT '',
    created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
    accepted_at          TIMESTAMPTZ,
    arrived_at           TIMESTAMPTZ,
    completed_at         TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS panic_requests_phone_idx ON panic_requests(requester_phone, service, created_at);
CREATE INDEX IF NOT EXISTS panic_requests_group_idx ON panic_requests(group_id);
CREATE INDEX IF NOT EXISTS panic_requests_open_idx ON panic_requests(status)
    WHERE status NOT IN ('completed', 'cancelled');

CREATE TABLE IF NOT EXISTS request_status_updates (
    id           TEXT PRIMARY KEY,
    request_id   TEXT NOT NULL REFERENCES panic_requests(id) ON DELETE CASCADE,
    status       TEXT NOT NULL,
    message      TEXT NOT NULL DEFAULT '',
    responder_id TEXT NOT NULL DEFAULT '',
    position     geometry(POINT, 4326),
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS request_status_updates_request_idx
    ON request_status_updates(request_id, created_at);

CREATE TABLE IF NOT EXISTS location_logs (
    id         TEXT PRIMARY KEY,
    request_id TEXT NOT NULL REFERENCES panic_requests(id) ON DELETE CASCADE,
    user_id    TEXT NOT NULL DEFAULT '',
    point      geometry(POINT, 4326) NOT NULL,
    accuracy_m DOUBLE PRECISION NOT NULL DEFAULT 0,
    source     TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS location_logs_request_idx ON location_logs(request_id, created_at);

CREATE TABLE IF NOT EXISTS request_feedback (
    request_id   TEXT PRIMARY KEY REFERENCES panic_requests(id),
    responder_id TEXT NOT NULL,
    is_prank     BOOLEAN NOT NULL DEFAULT FALSE,
    rating       INTEGER,
    comments     TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS user_fines (
    id           TEXT PRIMARY KEY,
    user_id      TEXT NOT NULL REFERENCES principals(id),
    amount_cents BIGINT NOT NULL,
    reason       TEXT NOT NULL,
    paid         BOOLEAN NOT NULL DEFAULT FALSE,
    paid_at      TIMESTAMPTZ,
    payment_ref  TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS user_fines_user_idx ON user_fines(user_id, paid);

CREATE TABLE IF NOT EXISTS provider_assignments (
    id          TEXT PRIMARY KEY,
    request_id  TEXT NOT NULL REFERENCES panic_requests(id),
    provider_id TEXT NOT NULL REFERENCES providers(id),
    distance_km DOUBLE PRECISION NOT NULL,
    eta_minutes INTEGER NOT NULL,
    released    BOOLEAN NOT NULL DEFAULT FALSE,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS provider_assignments_provider_idx
    ON provider_assignments(provider_id) WHERE NOT released;
CREATE INDEX IF NOT EXISTS provider_assignments_request_idx ON provider_assignments(request_id);
`
