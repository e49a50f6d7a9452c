package common

// CommandType определяет тип команды от сервера.
type CommandType string

const (
	// CommandTypeStop предписывает остановить текущую кампанию фаззинга.
	CommandTypeStop CommandType = "stop"
)

// ServerCommand представляет команду, полученную от сервера через MQTT.
type ServerCommand struct {
	ID     string        `json:"id,omitempty"`
	Type   CommandType   `json:"type"`
	Params CommandParams `json:"params,omitempty"`
}

// CommandParams содержит параметры команды.
type CommandParams struct {
	// Reason попадает в журнал при остановке кампании.
	Reason string `json:"reason,omitempty"`
}

// CommandAck представляет подтверждение выполнения команды.
type CommandAck struct {
	CommandID string `json:"command_id"`
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
}
