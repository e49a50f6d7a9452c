package config

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/serebryakov7/canfuzz/internal/fuzz"
)

// Prompt опрашивает оператора: режим, диапазон для RANGED, исключаемые
// идентификаторы и запись видео. Ответы записываются в cfg.
func Prompt(in io.Reader, out io.Writer, cfg *Config) error {
	sc := bufio.NewScanner(in)
	ask := func(q string) (string, error) {
		fmt.Fprint(out, q)
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return "", err
			}
			return "", io.ErrUnexpectedEOF
		}
		return strings.TrimSpace(sc.Text()), nil
	}

	answer, err := ask("Режим фаззинга: 1) полный 2) быстрый 3) диапазон: ")
	if err != nil {
		return err
	}
	mode, err := fuzz.ParseMode(answer)
	if err != nil {
		return &Error{Field: "mode", Message: err.Error()}
	}
	cfg.Mode = string(mode)

	if mode == fuzz.ModeRanged {
		answer, err = ask("Начальный CAN ID (hex): ")
		if err != nil {
			return err
		}
		if cfg.StartID, err = ParseID(answer); err != nil {
			return err
		}
		answer, err = ask("Конечный CAN ID (hex): ")
		if err != nil {
			return err
		}
		if cfg.EndID, err = ParseID(answer); err != nil {
			return err
		}
	}

	answer, err = ask("Исключить CAN ID (через запятую, hex, например 0x123, 0x456), Enter, чтобы не исключать: ")
	if err != nil {
		return err
	}
	if cfg.Ignore, err = ParseIDList(answer); err != nil {
		return err
	}

	answer, err = ask("Записывать видео визуальных изменений? (yes/no): ")
	if err != nil {
		return err
	}
	switch strings.ToLower(answer) {
	case "yes", "y", "да", "д":
		cfg.Record = true
	default:
		cfg.Record = false
	}
	return nil
}
