package evidence

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	bolt "go.etcd.io/bbolt"

	"github.com/serebryakov7/canfuzz/common"
	"github.com/serebryakov7/canfuzz/internal/logger"
	"github.com/serebryakov7/canfuzz/internal/transport"
	"github.com/serebryakov7/canfuzz/pkg/storage"
)

// TextFileName задает имя текстового журнала по умолчанию.
const TextFileName = "can_log.txt"

// TextFile дописывает записи строками в текстовый журнал.
type TextFile struct {
	f *os.File
}

// OpenTextFile открывает журнал на дозапись.
func OpenTextFile(path string) (*TextFile, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &TextFile{f: f}, nil
}

func (t *TextFile) Name() string { return "text" }

func (t *TextFile) Write(rec common.Record) error {
	_, err := fmt.Fprintln(t.f, rec.Line())
	return err
}

func (t *TextFile) Close() error { return t.f.Close() }

// BoltSink сохраняет записи в bbolt и ведет индекс кадров-триггеров.
// База принадлежит вызывающему и здесь не закрывается.
type BoltSink struct {
	db  *bolt.DB
	log *logger.Logger
}

// NewBoltSink создает приемник поверх открытой базы.
func NewBoltSink(db *bolt.DB) *BoltSink {
	return &BoltSink{db: db, log: logger.Named("evidence")}
}

func (b *BoltSink) Name() string { return "bolt" }

func (b *BoltSink) Write(rec common.Record) error {
	if err := storage.AppendEvent(b.db, rec); err != nil {
		return err
	}
	if rec.Class != common.ClassTriggered {
		return nil
	}
	isNew, err := storage.RecordTrigger(b.db, rec.Frame, rec.Time)
	if err != nil {
		return err
	}
	if isNew {
		b.log.Info().Stringer("frame", rec.Frame).Msg("новый кадр-триггер")
	}
	return nil
}

func (b *BoltSink) Close() error { return nil }

// LinkTypeCANSocketCAN соответствует LINKTYPE_CAN_SOCKETCAN: заголовок can_frame с can_id в сетевом порядке.
const LinkTypeCANSocketCAN = layers.LinkType(227)

// PcapSink пишет кадры в pcap, читаемый Wireshark.
type PcapSink struct {
	f *os.File
	w *pcapgo.Writer
}

// CreatePcap создает файл захвата, перезаписывая существующий.
func CreatePcap(path string) (*PcapSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65535, LinkTypeCANSocketCAN); err != nil {
		f.Close()
		return nil, fmt.Errorf("pcap: заголовок: %w", err)
	}
	return &PcapSink{f: f, w: w}, nil
}

func (p *PcapSink) Name() string { return "pcap" }

func (p *PcapSink) Write(rec common.Record) error {
	data := transport.MarshalCANFrame(rec.Frame, binary.BigEndian)
	return p.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     rec.Time,
		CaptureLength: len(data),
		Length:        len(data),
	}, data)
}

func (p *PcapSink) Close() error { return p.f.Close() }

// Publisher отправляет запись во внешнюю систему.
type Publisher interface {
	PublishRecord(rec common.Record) error
}

// MQTTSink публикует записи через Publisher.
type MQTTSink struct {
	pub Publisher
}

// NewMQTTSink оборачивает издателя.
func NewMQTTSink(pub Publisher) *MQTTSink { return &MQTTSink{pub: pub} }

func (m *MQTTSink) Name() string { return "mqtt" }

func (m *MQTTSink) Write(rec common.Record) error { return m.pub.PublishRecord(rec) }

func (m *MQTTSink) Close() error { return nil }
