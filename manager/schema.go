package manager

// Logical schema of the manager store: the vehicle and geofence registries,
// their join table, and append-only event tables keyed by (entity id, ts).
const schema = `
CREATE TABLE IF NOT EXISTS vehicle (
	id          TEXT PRIMARY KEY,
	active      INTEGER NOT NULL,
	name        TEXT NOT NULL,
	vtype       TEXT NOT NULL,
	vconfig     TEXT NOT NULL,
	immobilized INTEGER NOT NULL,
	lat         REAL,
	lon         REAL
);

CREATE TABLE IF NOT EXISTS geofence (
	id                TEXT PRIMARY KEY,
	active            INTEGER NOT NULL,
	name              TEXT NOT NULL,
	data              TEXT NOT NULL,
	immobilize_enter  INTEGER NOT NULL,
	immobilize_leave  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS vehicle_geofence (
	vehicle_id  TEXT NOT NULL REFERENCES vehicle(id),
	geofence_id TEXT NOT NULL REFERENCES geofence(id),
	PRIMARY KEY (vehicle_id, geofence_id)
);

CREATE TABLE IF NOT EXISTS vehicle_pos (
	vehicle_id TEXT NOT NULL REFERENCES vehicle(id),
	ts         TEXT NOT NULL,
	lat        REAL NOT NULL,
	lon        REAL NOT NULL,
	PRIMARY KEY (vehicle_id, ts)
);

CREATE TABLE IF NOT EXISTS vehicle_created (
	vehicle_id TEXT NOT NULL,
	ts         TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	PRIMARY KEY (vehicle_id, ts)
);

CREATE TABLE IF NOT EXISTS vehicle_modified (
	vehicle_id TEXT NOT NULL,
	ts         TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	PRIMARY KEY (vehicle_id, ts)
);

CREATE TABLE IF NOT EXISTS vehicle_deleted (
	vehicle_id TEXT NOT NULL,
	ts         TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	PRIMARY KEY (vehicle_id, ts)
);

CREATE TABLE IF NOT EXISTS vehicle_immobilized (
	vehicle_id  TEXT NOT NULL REFERENCES vehicle(id),
	ts          TEXT NOT NULL,
	user_id     TEXT,
	geofence_id TEXT,
	immobilized INTEGER NOT NULL,
	PRIMARY KEY (vehicle_id, ts)
);

CREATE TABLE IF NOT EXISTS vehicle_geofence_event (
	vehicle_id  TEXT NOT NULL REFERENCES vehicle(id),
	geofence_id TEXT NOT NULL REFERENCES geofence(id),
	ts          TEXT NOT NULL,
	entered     INTEGER NOT NULL,
	PRIMARY KEY (vehicle_id, geofence_id, ts)
);

CREATE TABLE IF NOT EXISTS geofence_created (
	geofence_id TEXT NOT NULL,
	ts          TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	PRIMARY KEY (geofence_id, ts)
);

CREATE TABLE IF NOT EXISTS geofence_modified (
	geofence_id TEXT NOT NULL,
	ts          TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	PRIMARY KEY (geofence_id, ts)
);

CREATE TABLE IF NOT EXISTS geofence_deleted (
	geofence_id TEXT NOT NULL,
	ts          TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	PRIMARY KEY (geofence_id, ts)
);
`
