package domain

// RequestCounter guarda as duas janelas (minuto e hora) de uma chave composta
// "<api-key>_<ip>". Os instantes são segundos Unix.
type RequestCounter struct {
	CurrentCountMinute  int64
	PreviousCountMinute int64
	LastResetMinute     int64

	CurrentCountHour  int64
	PreviousCountHour int64
	LastResetHour     int64

	// ThresholdExceedCountMinute conta episódios (não requisições) acima do
	// limite por minuto; é o que dispara o ban automático.
	ThresholdExceedCountMinute int64
}

// ExceedRecord existe enquanto a chave estiver acima do limite. Só observacional.
type ExceedRecord struct {
	Key          string `json:"key"`
	RequestCount int64  `json:"request_count"`
}
