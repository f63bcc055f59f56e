package application

import (
	"context"
	"strconv"
	"strings"

	"admission-gateway/middleware/ratelimit/domain"
)

// Chaves no KV. Os prefixos são varridos no intervalo [prefix+"_", prefix+"`"),
// então os contadores de próximo id não podem começar com eles seguidos de "_".
const (
	RulesPrefix = "$RLRP"
	BansPrefix  = "$RLBP"
	RulesNextID = "$RLRN"
	BansNextID  = "$RLBN"
)

func ruleKey(id uint64) string { return RulesPrefix + "_" + strconv.FormatUint(id, 10) }
func banKey(id uint64) string  { return BansPrefix + "_" + strconv.FormatUint(id, 10) }

func scanRange(prefix string) (lo, hi string) { return prefix + "_", prefix + "`" }

// loadNextID lê um contador de próximo id; ausente vale 0.
func loadNextID(ctx context.Context, kv domain.KV, key string) (uint64, error) {
	raw, found, err := kv.Get(ctx, key)
	if err != nil {
		return 0, domain.ErrLoad.New("read %s: %v", key, err)
	}
	if !found {
		return 0, nil
	}
	id, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, domain.ErrLoad.New("parse %s=%q: %v", key, raw, err)
	}
	return id, nil
}
