package output

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

type ArchiveConfig struct {
	Addr        string
	Database    string
	Username    string
	Password    string
	DialTimeout time.Duration
}

type rowBatch interface {
	Append(v ...any) error
	Send() error
	Abort() error
}

type archiveConn interface {
	Exec(ctx context.Context, query string, args ...any) error
	Prepare(ctx context.Context, query string) (rowBatch, error)
	Close() error
}

type clickhouseConn struct {
	driver.Conn
}

func (c clickhouseConn) Prepare(ctx context.Context, query string) (rowBatch, error) {
	return c.Conn.PrepareBatch(ctx, query)
}

// ArchiveSaver stores recordings in ClickHouse: one row per recording, one
// per phase and one per sample.
type ArchiveSaver struct {
	conn   archiveConn
	logger *slog.Logger
}

// OpenArchive connects, pings and creates the archive tables.
func OpenArchive(ctx context.Context, cfg ArchiveConfig, logger *slog.Logger) (*ArchiveSaver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: timeout,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	s := newArchiveSaver(clickhouseConn{conn}, logger)
	if err := s.InitSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	s.logger.Info("Connected to recording archive", "addr", cfg.Addr, "database", cfg.Database)
	return s, nil
}

func newArchiveSaver(conn archiveConn, logger *slog.Logger) *ArchiveSaver {
	if logger == nil {
		logger = slog.Default()
	}
	return &ArchiveSaver{conn: conn, logger: logger.With("component", "archive")}
}

func (s *ArchiveSaver) Name() string { return "archive" }

func (s *ArchiveSaver) InitSchema(ctx context.Context) error {
	for _, table := range archiveTables() {
		if err := s.conn.Exec(ctx, table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

func (s *ArchiveSaver) Save(ctx context.Context, rec *Recording) error {
	err := s.conn.Exec(ctx, `
		INSERT INTO recordings (id, started_at, finished_at, destination, actinic_controller,
			measuring_controller, measuring_frequency_hz, measuring_intensity, phase_count, sample_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.StartedAt,
		rec.FinishedAt,
		rec.Destination,
		rec.ActinicID,
		rec.Measuring.ControllerID,
		rec.Measuring.FrequencyHz,
		rec.Measuring.IntensityPercent,
		uint32(len(rec.Phases)),
		uint64(rec.SampleCount()),
	)
	if err != nil {
		return fmt.Errorf("failed to insert recording: %w", err)
	}

	if err := s.insertPhases(ctx, rec); err != nil {
		return err
	}
	return s.insertSamples(ctx, rec)
}

func (s *ArchiveSaver) insertPhases(ctx context.Context, rec *Recording) error {
	if len(rec.Phases) == 0 {
		return nil
	}
	batch, err := s.conn.Prepare(ctx, "INSERT INTO recording_phases")
	if err != nil {
		return fmt.Errorf("failed to prepare phase batch: %w", err)
	}
	for i, p := range rec.Phases {
		if err := batch.Append(rec.ID, uint32(i), p.DurationMs, p.IntensityPercent,
			int32(p.FilterPosition), p.FilterDescription); err != nil {
			batch.Abort()
			return fmt.Errorf("failed to append phase %d: %w", i, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to insert phases: %w", err)
	}
	return nil
}

func (s *ArchiveSaver) insertSamples(ctx context.Context, rec *Recording) error {
	if rec.SampleCount() == 0 {
		return nil
	}
	batch, err := s.conn.Prepare(ctx, "INSERT INTO recording_samples")
	if err != nil {
		return fmt.Errorf("failed to prepare sample batch: %w", err)
	}
	for _, c := range rec.Channels {
		for _, p := range c.Points {
			if err := batch.Append(rec.ID, uint16(c.Index), c.SignalType, c.ControllerID,
				c.Slope, c.Offset, p.ElapsedMs, p.Value, p.Volts); err != nil {
				batch.Abort()
				return fmt.Errorf("failed to append sample of channel %d: %w", c.Index, err)
			}
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to insert samples: %w", err)
	}
	return nil
}

func (s *ArchiveSaver) Close() error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close ClickHouse connection: %w", err)
	}
	s.logger.Info("Recording archive closed")
	return nil
}
