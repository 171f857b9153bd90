package rediskey

import "fmt"

// Key prefixes shared between the scheduler guards and the session registry.
const (
	SessionPrefix = "session"
	TriggerPrefix = "trigger"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildSessionKey returns "session:{siteKey}".
func BuildSessionKey(siteKey string) string {
	return NamespaceKey(SessionPrefix, siteKey)
}

// BuildTriggerKey returns "trigger:{name}:{period}", e.g.
// "trigger:daily_reset:2026-08-30" or "trigger:reward_claim:2026-08-30T14".
func BuildTriggerKey(name, period string) string {
	return NamespaceKey(TriggerPrefix, fmt.Sprintf("%s:%s", name, period))
}
