package storage

import "ad-rule-engine/internal/engine"

var (
	_ engine.RuleStore     = (*Store)(nil)
	_ engine.HistoryStore  = (*Store)(nil)
	_ engine.RevertStore   = (*Store)(nil)
	_ engine.LogStore      = (*Store)(nil)
	_ engine.LabelResolver = (*Store)(nil)
	_ engine.MetricsSource = (*Store)(nil)
	_ engine.Locker        = (*AdvisoryLocker)(nil)

	_ engine.RuleStore     = (*Memory)(nil)
	_ engine.HistoryStore  = (*Memory)(nil)
	_ engine.RevertStore   = (*Memory)(nil)
	_ engine.LogStore      = (*Memory)(nil)
	_ engine.LabelResolver = (*Memory)(nil)
	_ engine.MetricsSource = (*Memory)(nil)
)
