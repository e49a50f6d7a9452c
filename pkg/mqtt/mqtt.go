package mqtt

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/serebryakov7/canfuzz/common"
	"github.com/serebryakov7/canfuzz/internal/logger"
)

const (
	DefaultUpdateInterval = 10 * time.Second
	DefaultBroker         = "tcp://localhost:1883"
	DefaultClientID       = "canfuzz"
	DefaultTopic          = "canfuzz/status"
)

// ErrNotConnected означает, что клиент не подключен к брокеру.
var ErrNotConnected = errors.New("mqtt: нет подключения к брокеру")

// MQTTConfig содержит настройки для MQTT клиента
type MQTTConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	Topic          string // Топик статуса кампании
	RecordTopic    string // Топик для записей журнала доказательств
	CommandTopic   string // Топик для получения команд
	UpdateInterval time.Duration
}

// MQTTClient публикует статус кампании и записи журнала, принимает команды
type MQTTClient struct {
	config     MQTTConfig
	client     mqtt.Client
	stopChan   chan struct{}
	stopOnce   sync.Once
	dataSource func() any
	log        *logger.Logger
	// commandHandler - функция обратного вызова для обработки команд
	commandHandler func(cmd common.ServerCommand) error
}

// NewClient создает новый MQTT клиент
func NewClient(config MQTTConfig, dataSource func() any, cmdHandler func(cmd common.ServerCommand) error) *MQTTClient {
	if config.UpdateInterval <= 0 {
		config.UpdateInterval = DefaultUpdateInterval
	}
	if config.Topic == "" {
		config.Topic = DefaultTopic
	}
	return &MQTTClient{
		config:         config,
		stopChan:       make(chan struct{}),
		dataSource:     dataSource,
		commandHandler: cmdHandler,
		log:            logger.Named("mqtt"),
	}
}

// Connect устанавливает соединение с MQTT брокером
func (c *MQTTClient) Connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.log.Info().Str("broker", c.config.Broker).Msg("подключено к MQTT брокеру")
		// Подписываемся на топик команд после успешного подключения
		c.subscribeToCommands()
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		c.log.Warn().Err(err).Msg("соединение с MQTT брокером потеряно")
	})

	c.client = mqtt.NewClient(opts)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// StartPublishing начинает периодическую отправку статуса
func (c *MQTTClient) StartPublishing() {
	c.log.Info().Str("topic", c.config.Topic).Dur("interval", c.config.UpdateInterval).
		Msg("начало публикации статуса")

	go func() {
		ticker := time.NewTicker(c.config.UpdateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopChan:
				return
			case <-ticker.C:
				c.publishData()
			}
		}
	}()
}

// StopPublishing останавливает публикацию статуса
func (c *MQTTClient) StopPublishing() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

// Disconnect отправляет последний статус и отключается от MQTT брокера
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.publishData()
		c.client.Disconnect(250)
	}
}

// publishData публикует статус в MQTT
func (c *MQTTClient) publishData() {
	if c.dataSource == nil {
		return
	}
	status := c.dataSource()
	if status == nil {
		c.log.Debug().Msg("нет данных для публикации")
		return
	}

	data, err := json.Marshal(status)
	if err != nil {
		c.log.Error().Err(err).Msg("ошибка сериализации статуса")
		return
	}

	token := c.client.Publish(c.config.Topic, 0, false, data)
	if token.Wait() && token.Error() != nil {
		c.log.Warn().Err(token.Error()).Msg("ошибка отправки статуса в MQTT")
	} else {
		c.log.Debug().Int("bytes", len(data)).Msg("статус отправлен в MQTT")
	}
}

// subscribeToCommands подписывается на топик команд от сервера.
func (c *MQTTClient) subscribeToCommands() {
	commandTopic := c.config.CommandTopic
	if commandTopic == "" {
		c.log.Debug().Msg("топик команд не указан, подписка не выполняется")
		return
	}

	token := c.client.Subscribe(commandTopic, 1, c.handleIncomingCommand)
	go func() {
		<-token.Done()
		if token.Error() != nil {
			c.log.Error().Err(token.Error()).Str("topic", commandTopic).Msg("ошибка подписки на топик команд")
		} else {
			c.log.Info().Str("topic", commandTopic).Msg("подписка на топик команд")
		}
	}()
}

// handleIncomingCommand обрабатывает входящие сообщения из топика команд.
func (c *MQTTClient) handleIncomingCommand(_ mqtt.Client, msg mqtt.Message) {
	c.log.Info().Str("topic", msg.Topic()).Bytes("payload", msg.Payload()).Msg("получена команда")

	var cmd common.ServerCommand
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		c.log.Warn().Err(err).Bytes("payload", msg.Payload()).Msg("ошибка десериализации команды")
		return
	}

	ack := common.CommandAck{CommandID: cmd.ID, Success: true}
	if c.commandHandler == nil {
		ack.Success, ack.Message = false, "обработчик команд не настроен"
	} else if err := c.commandHandler(cmd); err != nil {
		c.log.Warn().Err(err).Str("type", string(cmd.Type)).Msg("ошибка обработки команды")
		ack.Success, ack.Message = false, err.Error()
	}
	c.publishAck(ack)
}

func (c *MQTTClient) publishAck(ack common.CommandAck) {
	if c.client == nil || !c.client.IsConnected() || c.config.CommandTopic == "" {
		return
	}
	data, err := json.Marshal(ack)
	if err != nil {
		return
	}
	c.client.Publish(c.config.CommandTopic+"/ack", 1, false, data)
}

// PublishRecord публикует одну запись журнала доказательств
func (c *MQTTClient) PublishRecord(rec common.Record) error {
	if c.client == nil || !c.client.IsConnected() {
		return ErrNotConnected
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	topic := c.config.RecordTopic
	if topic == "" {
		topic = c.config.Topic + "/" + rec.Class.String() // Топик по умолчанию, если не задан
	}

	token := c.client.Publish(topic, 1, false, data)
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}
