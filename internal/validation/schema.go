// Package validation проверяет payload операций против канонической
// wire-схемы синхронизируемых таблиц. Имена полей проверяются ровно в той
// нотации, в которой они передаются по проводу (snake_case), без
// промежуточного переименования.
package validation

import (
	"errors"
	"fmt"
)

// ErrUnknownTable операция ссылается на таблицу, не входящую в набор синхронизируемых
var ErrUnknownTable = errors.New("unknown table")

// ErrUnknownOperation операция не put и не delete
var ErrUnknownOperation = errors.New("unknown operation")

// FieldKind допустимый JSON тип значения поля
type FieldKind string

const (
	KindString FieldKind = "string"
	KindNumber FieldKind = "number"
	KindBool   FieldKind = "bool"
	KindObject FieldKind = "object"
)

// Field описывает одно поле канонической wire-схемы таблицы
type Field struct {
	Name     string
	Kind     FieldKind
	Required bool
}

// TableSchema описывает каноническую wire-схему одной синхронизируемой таблицы
type TableSchema struct {
	Name   string
	Fields []Field
}

// Tables реестр канонических схем. Ключ - имя таблицы на проводе.
var Tables = map[string]TableSchema{
	"chats": {
		Name: "chats",
		Fields: []Field{
			{Name: "title", Kind: KindString, Required: true},
			{Name: "created_by", Kind: KindString, Required: true},
			{Name: "archived", Kind: KindBool},
			{Name: "last_message_at", Kind: KindNumber},
		},
	},
	"messages": {
		Name: "messages",
		Fields: []Field{
			{Name: "chat_id", Kind: KindString, Required: true},
			{Name: "author_id", Kind: KindString, Required: true},
			{Name: "body", Kind: KindString, Required: true},
			{Name: "sent_at", Kind: KindNumber, Required: true},
			{Name: "attachments", Kind: KindObject},
		},
	},
	"documents": {
		Name: "documents",
		Fields: []Field{
			{Name: "title", Kind: KindString, Required: true},
			{Name: "content", Kind: KindString, Required: true},
			{Name: "folder_id", Kind: KindString},
			{Name: "edited_by", Kind: KindString},
		},
	},
	// Метаданные файлов синхронизируются обычными строками;
	// передача самих байтов - отдельная подсистема.
	"files": {
		Name: "files",
		Fields: []Field{
			{Name: "name", Kind: KindString, Required: true},
			{Name: "size", Kind: KindNumber, Required: true},
			{Name: "content_hash", Kind: KindString, Required: true},
			{Name: "mime_type", Kind: KindString},
		},
	},
}

// ValidatePut проверяет payload операции put против схемы таблицы.
// Все обязательные поля должны присутствовать, типы значений должны
// соответствовать схеме, неизвестные поля отклоняются.
func ValidatePut(table string, payload map[string]interface{}) error {
	schema, ok := Tables[table]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}

	if payload == nil {
		return fmt.Errorf("table %q: put requires a payload", table)
	}

	byName := make(map[string]Field, len(schema.Fields))
	for _, f := range schema.Fields {
		byName[f.Name] = f
	}

	for name, value := range payload {
		field, ok := byName[name]
		if !ok {
			return fmt.Errorf("table %q: unknown field %q", table, name)
		}
		if err := checkKind(value, field.Kind); err != nil {
			return fmt.Errorf("table %q: field %q: %w", table, name, err)
		}
	}

	for _, f := range schema.Fields {
		if !f.Required {
			continue
		}
		if _, ok := payload[f.Name]; !ok {
			return fmt.Errorf("table %q: missing required field %q", table, f.Name)
		}
	}

	return nil
}

// ValidateDelete проверяет операцию delete: таблица должна быть известна,
// payload должен отсутствовать (контракт delete минимален и отличен от put).
func ValidateDelete(table string, payload map[string]interface{}) error {
	if _, ok := Tables[table]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}

	if len(payload) > 0 {
		return fmt.Errorf("table %q: delete must not carry a payload", table)
	}

	return nil
}

// checkKind проверяет соответствие JSON значения ожидаемому типу поля.
// nil допустим для любого необязательного поля (явный null).
func checkKind(value interface{}, kind FieldKind) error {
	if value == nil {
		return nil
	}

	switch kind {
	case KindString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
	case KindNumber:
		// encoding/json декодирует числа в float64
		switch value.(type) {
		case float64, int64, int, uint64:
		default:
			return fmt.Errorf("expected number, got %T", value)
		}
	case KindBool:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected bool, got %T", value)
		}
	case KindObject:
		switch value.(type) {
		case map[string]interface{}, []interface{}:
		default:
			return fmt.Errorf("expected object or array, got %T", value)
		}
	default:
		return fmt.Errorf("unknown field kind %q", kind)
	}

	return nil
}
