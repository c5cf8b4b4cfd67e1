package output

// archiveTables are created on connect when missing.
func archiveTables() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS recordings (
			id String,
			started_at DateTime64(3),
			finished_at DateTime64(3),
			destination String,
			actinic_controller String,
			measuring_controller String,
			measuring_frequency_hz Float64,
			measuring_intensity Float64,
			phase_count UInt32,
			sample_count UInt64
		) ENGINE = MergeTree()
		ORDER BY (started_at, id)`,

		`CREATE TABLE IF NOT EXISTS recording_phases (
			recording_id String,
			phase_index UInt32,
			duration_ms Int64,
			intensity_percent Float64,
			filter_position Int32,
			filter_description String
		) ENGINE = MergeTree()
		ORDER BY (recording_id, phase_index)`,

		`CREATE TABLE IF NOT EXISTS recording_samples (
			recording_id String,
			channel UInt16,
			signal_type LowCardinality(String),
			controller String,
			slope Float64,
			offset Float64,
			elapsed_ms Int64,
			value Float64,
			volts Float64
		) ENGINE = MergeTree()
		ORDER BY (recording_id, channel, elapsed_ms)`,
	}
}
