package filter

import (
	"log/slog"
	"strings"

	"github.com/Droze-svj/click-platform-sub007/internal/domain"
)

// SourcePolicy gates inbound change notifications by source table and
// operation. Block lists take precedence over allow lists; an empty allow
// list allows everything not blocked.
type SourcePolicy struct {
	allowedTables map[string]struct{}
	blockedTables map[string]struct{}
	allowedOps    map[string]struct{}
	blockedOps    map[string]struct{}
	logger        *slog.Logger
}

func NewSourcePolicy(allowedTables, blockedTables, allowedOps, blockedOps []string, logger *slog.Logger) *SourcePolicy {
	return &SourcePolicy{
		allowedTables: toSet(allowedTables, strings.ToLower),
		blockedTables: toSet(blockedTables, strings.ToLower),
		allowedOps:    toSet(allowedOps, strings.ToUpper),
		blockedOps:    toSet(blockedOps, strings.ToUpper),
		logger:        logger,
	}
}

// Allow reports whether a change on table with the given operation should
// be processed.
func (p *SourcePolicy) Allow(table string, op domain.ChangeOperation) bool {
	table = strings.ToLower(table)

	if _, blocked := p.blockedTables[table]; blocked {
		return false
	}
	if _, blocked := p.blockedOps[string(op)]; blocked {
		return false
	}
	if len(p.allowedTables) > 0 {
		if _, ok := p.allowedTables[table]; !ok {
			return false
		}
	}
	if len(p.allowedOps) > 0 {
		if _, ok := p.allowedOps[string(op)]; !ok {
			return false
		}
	}
	return true
}

// FailOpen is called when the inbound filter context could not be
// evaluated (for example an unparseable record). The policy is to process
// the event rather than silently drop data over a misconfiguration, but
// the decision itself is always logged.
func (p *SourcePolicy) FailOpen(table string, op domain.ChangeOperation, err error) bool {
	p.logger.Warn("inbound filter evaluation failed, processing anyway",
		"table", table,
		"operation", string(op),
		"error", err,
	)
	return true
}

func toSet(values []string, norm func(string) string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		set[norm(v)] = struct{}{}
	}
	return set
}
