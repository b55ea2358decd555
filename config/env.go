package config

import (
	"encoding"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var (
	durationType        = reflect.TypeFor[time.Duration]()
	textUnmarshalerType = reflect.TypeFor[encoding.TextUnmarshaler]()
)

// envBinder 把 PREFIX_SECTION_FIELD 形式的环境变量写入带 env 标签的字段。
// 空值视为未设置；所有解析错误汇总后一次返回。
type envBinder struct {
	lookup  func(string) (string, bool)
	applied []string
	errs    []error
}

func newEnvBinder() *envBinder {
	return &envBinder{lookup: os.LookupEnv}
}

// bind walks v (a struct) under prefix
func (b *envBinder) bind(v reflect.Value, prefix string) {
	t := v.Type()
	for i := range t.NumField() {
		sf := t.Field(i)
		tag := sf.Tag.Get("env")
		if tag == "" || tag == "-" || !sf.IsExported() {
			continue
		}
		key := prefix + "_" + tag
		field := v.Field(i)

		if field.Kind() == reflect.Struct && field.Type() != durationType && !implementsText(field) {
			b.bind(field, key)
			continue
		}

		raw, ok := b.lookup(key)
		if !ok || raw == "" {
			continue
		}
		if err := decodeEnv(field, raw); err != nil {
			b.errs = append(b.errs, fmt.Errorf("%s=%q: %w", key, raw, err))
			continue
		}
		b.applied = append(b.applied, key)
	}
}

func (b *envBinder) err() error {
	return errors.Join(b.errs...)
}

func implementsText(field reflect.Value) bool {
	return field.CanAddr() && field.Addr().Type().Implements(textUnmarshalerType)
}

// decodeEnv parses raw into field according to its kind
func decodeEnv(field reflect.Value, raw string) error {
	if implementsText(field) {
		return field.Addr().Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(raw))
	}
	if field.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(v)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		v, err := strconv.ParseInt(raw, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetInt(v)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		v, err := strconv.ParseUint(raw, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetUint(v)
	case reflect.Float32, reflect.Float64:
		v, err := strconv.ParseFloat(raw, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetFloat(v)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice element %s", field.Type().Elem())
		}
		// 逗号分隔，忽略空项
		var items []string
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				items = append(items, s)
			}
		}
		field.Set(reflect.ValueOf(items).Convert(field.Type()))
	default:
		return fmt.Errorf("unsupported kind %s", field.Kind())
	}
	return nil
}
