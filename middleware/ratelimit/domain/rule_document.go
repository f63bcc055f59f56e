package domain

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
)

type maxRequestsDocument struct {
	MinuteThreshold *int64 `json:"minute_threshold,omitempty"`
	HourThreshold   *int64 `json:"hour_threshold,omitempty"`
}

// ruleDocument é a forma gravada no KV e devolvida pela API.
type ruleDocument struct {
	ID                  uint64               `json:"id"`
	Action              string               `json:"action"`
	Priority            int32                `json:"priority"`
	IPAddresses         []string             `json:"ip_addresses,omitempty"`
	APIKeys             []string             `json:"api_keys,omitempty"`
	MaxRequests         *maxRequestsDocument `json:"max_requests,omitempty"`
	AutoBanThresholdNum *int64               `json:"auto_ban_threshold_num,omitempty"`
	AutoBanNumHours     *int64               `json:"auto_ban_num_hours,omitempty"`
	ApplyLimitPerEntity bool                 `json:"apply_limit_per_entity,omitempty"`
}

func MarshalRule(r Rule) ([]byte, error) {
	doc := ruleDocument{
		ID:                  r.ID,
		Action:              r.Action.String(),
		Priority:            r.Priority,
		IPAddresses:         r.EntitiesOf(EntityIP),
		APIKeys:             r.EntitiesOf(EntityAPIKey),
		AutoBanThresholdNum: r.AutoBanThresholdNum,
		AutoBanNumHours:     r.AutoBanNumHours,
		ApplyLimitPerEntity: r.ApplyLimitPerEntity,
	}
	if r.MinuteThreshold != nil || r.HourThreshold != nil {
		doc.MaxRequests = &maxRequestsDocument{
			MinuteThreshold: r.MinuteThreshold,
			HourThreshold:   r.HourThreshold,
		}
	}
	return json.Marshal(doc)
}

func (r Rule) MarshalJSON() ([]byte, error) { return MarshalRule(r) }

// ParseRuleDocument valida e converte um documento de regra vindo da API de
// gerenciamento. O campo id, se vier, é ignorado: quem atribui id é o motor.
//
// Os limites podem vir achatados (max_requests_1m / max_requests_1h) ou no
// objeto max_requests; os achatados têm precedência.
func ParseRuleDocument(data []byte) (Rule, error) {
	doc, err := decodeObject(data)
	if err != nil {
		return Rule{}, fieldErr("body", "must be a JSON object")
	}
	return parseRuleFields(doc)
}

// DecodeStoredRule lê um documento gravado no KV. Qualquer problema é ErrLoad:
// o motor não pode servir tráfego com política carregada pela metade.
func DecodeStoredRule(data []byte) (Rule, error) {
	doc, err := decodeObject(data)
	if err != nil {
		return Rule{}, ErrLoad.New("rule document: %v", err)
	}
	rule, err := parseRuleFields(doc)
	if err != nil {
		return Rule{}, ErrLoad.Wrap(err)
	}
	id, err := uintField(doc, "id")
	if err != nil {
		return Rule{}, ErrLoad.Wrap(err)
	}
	rule.ID = id
	return rule, nil
}

func parseRuleFields(doc map[string]any) (Rule, error) {
	var rule Rule

	raw, ok := doc["action"]
	if !ok {
		return Rule{}, fieldErr("action", "is required")
	}
	name, ok := raw.(string)
	if !ok {
		return Rule{}, fieldErr("action", "must be a string")
	}
	if rule.Action, ok = ParseAction(name); !ok {
		return Rule{}, fieldErr("action", "must be one of `allow`, `block`, `throttle`")
	}

	if v, ok := doc["apply_limit_per_entity"]; ok {
		b, ok := v.(bool)
		if !ok {
			return Rule{}, fieldErr("apply_limit_per_entity", "must be a boolean")
		}
		rule.ApplyLimitPerEntity = b
	}

	_, hasIPs := doc["ip_addresses"]
	_, hasKeys := doc["api_keys"]
	if !hasIPs && !hasKeys {
		return Rule{}, fieldErr("ip_addresses", "or `api_keys` is required")
	}
	ips, err := stringArray(doc, "ip_addresses")
	if err != nil {
		return Rule{}, err
	}
	keys, err := stringArray(doc, "api_keys")
	if err != nil {
		return Rule{}, err
	}
	if len(ips)+len(keys) == 0 {
		return Rule{}, fieldErr("ip_addresses", "or `api_keys` must name at least one entity")
	}
	for _, v := range ips {
		rule.Entities = append(rule.Entities, IP(v))
	}
	for _, v := range keys {
		rule.Entities = append(rule.Entities, APIKey(v))
	}

	priority, err := intField(doc, "priority")
	if err != nil {
		return Rule{}, err
	}
	if priority != nil {
		if *priority < math.MinInt32 || *priority > math.MaxInt32 {
			return Rule{}, fieldErr("priority", "is out of range")
		}
		rule.Priority = int32(*priority)
	}

	if rule.MinuteThreshold, rule.HourThreshold, err = thresholds(doc); err != nil {
		return Rule{}, err
	}
	if rule.Action == ActionThrottle && rule.MinuteThreshold == nil && rule.HourThreshold == nil {
		return Rule{}, fieldErr("max_requests_1m", "or `max_requests_1h` is required for action `throttle`")
	}

	if rule.AutoBanThresholdNum, err = nonNegative(doc, "auto_ban_threshold_num"); err != nil {
		return Rule{}, err
	}
	if rule.AutoBanNumHours, err = nonNegative(doc, "auto_ban_num_hours"); err != nil {
		return Rule{}, err
	}
	switch {
	case rule.AutoBanThresholdNum != nil && rule.AutoBanNumHours == nil:
		return Rule{}, fieldErr("auto_ban_num_hours", "is required when `auto_ban_threshold_num` is set")
	case rule.AutoBanThresholdNum == nil && rule.AutoBanNumHours != nil:
		return Rule{}, fieldErr("auto_ban_threshold_num", "is required when `auto_ban_num_hours` is set")
	}

	return rule, nil
}

func thresholds(doc map[string]any) (minute, hour *int64, err error) {
	if v, ok := doc["max_requests"]; ok {
		nested, ok := v.(map[string]any)
		if !ok {
			return nil, nil, fieldErr("max_requests", "must be an object")
		}
		if minute, err = nonNegative(nested, "minute_threshold"); err != nil {
			return nil, nil, err
		}
		if hour, err = nonNegative(nested, "hour_threshold"); err != nil {
			return nil, nil, err
		}
	}
	if flat, err := nonNegative(doc, "max_requests_1m"); err != nil {
		return nil, nil, err
	} else if flat != nil {
		minute = flat
	}
	if flat, err := nonNegative(doc, "max_requests_1h"); err != nil {
		return nil, nil, err
	} else if flat != nil {
		hour = flat
	}
	return minute, hour, nil
}

func decodeObject(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, ErrValidation.New("document is null")
	}
	return doc, nil
}

func stringArray(doc map[string]any, field string) ([]string, error) {
	v, ok := doc[field]
	if !ok {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fieldErr(field, "must be an array of strings")
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok || s == "" {
			return nil, fieldErr(field, "must be an array of strings")
		}
		out = append(out, s)
	}
	return out, nil
}

func intField(doc map[string]any, field string) (*int64, error) {
	v, ok := doc[field]
	if !ok {
		return nil, nil
	}
	n, ok := v.(json.Number)
	if !ok {
		return nil, fieldErr(field, "must be an integer")
	}
	i, err := n.Int64()
	if err != nil {
		return nil, fieldErr(field, "must be an integer")
	}
	return &i, nil
}

func nonNegative(doc map[string]any, field string) (*int64, error) {
	i, err := intField(doc, field)
	if err != nil || i == nil {
		return i, err
	}
	if *i < 0 {
		return nil, fieldErr(field, "must be a non-negative integer")
	}
	return i, nil
}

func uintField(doc map[string]any, field string) (uint64, error) {
	v, ok := doc[field]
	if !ok {
		return 0, fieldErr(field, "is required")
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, fieldErr(field, "must be an unsigned integer")
	}
	u, err := strconv.ParseUint(n.String(), 10, 64)
	if err != nil {
		return 0, fieldErr(field, "must be an unsigned integer")
	}
	return u, nil
}
