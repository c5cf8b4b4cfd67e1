package channel

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// key is a per-signal-type setting: channel.<index>.<signalType>.<field>.
func (m *Manager) key(field string) string {
	return fmt.Sprintf("channel.%d.%s.%s", m.index, m.signalType, field)
}

// channelKey is a setting shared by every signal type of the channel.
func (m *Manager) channelKey(field string) string {
	return fmt.Sprintf("channel.%d.%s", m.index, field)
}

func (m *Manager) keyPrefix() string {
	return fmt.Sprintf("channel.%d.", m.index)
}

func (m *Manager) forgetPrefix(prefix string) {
	for _, k := range m.store.Keys() {
		if strings.HasPrefix(k, prefix) {
			m.store.Delete(k)
		}
	}
}

func (m *Manager) load() {
	m.cal = Uncalibrated()
	m.cal.Slope = m.getFloat(m.key("slope"), math.NaN())
	m.cal.Offset = m.getFloat(m.key("offset"), math.NaN())
	if at, ok := m.getTime(m.key("calibrated_at")); ok {
		m.cal.CalibratedAt = at
	}
	m.rate = m.getFloat(m.key("samples_per_minute"), m.defaultRate)
}

func (m *Manager) saveCalibration() {
	m.put(m.key("slope"), m.cal.Slope)
	m.put(m.key("offset"), m.cal.Offset)
	if !m.cal.CalibratedAt.IsZero() {
		m.put(m.key("calibrated_at"), m.cal.CalibratedAt.Format(time.RFC3339Nano))
	}
}

func (m *Manager) put(key string, value any) {
	if m.store != nil {
		m.store.Put(key, value)
	}
}

func (m *Manager) flush() {
	if m.store == nil {
		return
	}
	if err := m.store.Flush(); err != nil {
		m.logger.Warn("Failed to persist channel settings", "error", err)
	}
}

func (m *Manager) getFloat(key string, def float64) float64 {
	if m.store == nil {
		return def
	}
	switch v := m.store.Get(key, def).(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return def
	}
}

func (m *Manager) getString(key, def string) string {
	if m.store == nil {
		return def
	}
	if s, ok := m.store.Get(key, def).(string); ok {
		return s
	}
	return def
}

func (m *Manager) getTime(key string) (time.Time, bool) {
	if m.store == nil {
		return time.Time{}, false
	}
	switch v := m.store.Get(key, nil).(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		return t, err == nil
	default:
		return time.Time{}, false
	}
}
