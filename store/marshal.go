package store

import (
	"fmt"

	"github.com/breezedb/breeze-go/document"
	"github.com/breezedb/breeze-go/query"
)

// Commands and read configs are persisted inside cache records (and journal
// snapshots) as plain documents, reusing the canonical binary encoding.
// Unlike the fingerprint form, nothing is stripped or reordered here so the
// descriptor round-trips exactly.

// EncodeCommand renders a command as a document.
func EncodeCommand(cmd query.Command) document.Document {
	var d document.Document
	if cmd.Find != nil {
		d = append(d, document.F("find", document.Object(cmd.Find)))
	}
	if cmd.FindOne {
		d = append(d, document.F("findOne", document.Boolean(true)))
	}
	if cmd.Sort != "" {
		d = append(d, document.F("sort", document.String(cmd.Sort)))
	}
	if cmd.Direction != query.DirectionNone {
		d = append(d, document.F("direction", document.String(cmd.Direction.String())))
	}
	if cmd.Limit > 0 {
		d = append(d, document.F("limit", document.Int64(cmd.Limit)))
	}
	if cmd.Random {
		d = append(d, document.F("random", document.Boolean(true)))
	}
	return d
}

// DecodeCommand is the inverse of EncodeCommand.
func DecodeCommand(d document.Document) (query.Command, error) {
	var cmd query.Command
	for _, f := range d {
		switch f.Key {
		case "find":
			cmd.Find = f.Val.Doc
			if cmd.Find == nil {
				cmd.Find = document.Document{}
			}
		case "findOne":
			cmd.FindOne = f.Val.Bool
		case "sort":
			cmd.Sort = f.Val.Str
		case "direction":
			dir, err := query.ParseDirection(f.Val.Str)
			if err != nil {
				return query.Command{}, err
			}
			cmd.Direction = dir
		case "limit":
			cmd.Limit = f.Val.Int
		case "random":
			cmd.Random = f.Val.Bool
		default:
			return query.Command{}, fmt.Errorf("unknown command field %q", f.Key)
		}
	}
	return cmd, nil
}

// EncodeConfig renders a read config as a document.
func EncodeConfig(cfg query.Config) document.Document {
	var d document.Document
	if len(cfg.Extraction) > 0 {
		arr := make([]document.Value, len(cfg.Extraction))
		for i, ex := range cfg.Extraction {
			arr[i] = document.Object(encodeExtraction(ex))
		}
		d = append(d, document.F("extraction", document.Array(arr...)))
	}
	if len(cfg.ReturnOnly) > 0 {
		d = append(d, document.F("returnOnly", stringArray(cfg.ReturnOnly)))
	}
	if len(cfg.ExcludeFields) > 0 {
		d = append(d, document.F("excludeFields", stringArray(cfg.ExcludeFields)))
	}
	return d
}

// DecodeConfig is the inverse of EncodeConfig.
func DecodeConfig(d document.Document) (query.Config, error) {
	var cfg query.Config
	for _, f := range d {
		switch f.Key {
		case "extraction":
			for _, v := range f.Val.Arr {
				ex, err := decodeExtraction(v.Doc)
				if err != nil {
					return query.Config{}, err
				}
				cfg.Extraction = append(cfg.Extraction, ex)
			}
		case "returnOnly":
			cfg.ReturnOnly = stringSlice(f.Val)
		case "excludeFields":
			cfg.ExcludeFields = stringSlice(f.Val)
		default:
			return query.Config{}, fmt.Errorf("unknown config field %q", f.Key)
		}
	}
	return cfg, nil
}

func encodeExtraction(ex query.Extraction) document.Document {
	var d document.Document
	d = append(d, document.F("collection", document.String(ex.Collection)))
	if ex.Find != nil {
		d = append(d, document.F("find", document.Object(ex.Find)))
	}
	if ex.FindOne {
		d = append(d, document.F("findOne", document.Boolean(true)))
	}
	if ex.Sort != "" {
		d = append(d, document.F("sort", document.String(ex.Sort)))
	}
	if ex.Direction != query.DirectionNone {
		d = append(d, document.F("direction", document.String(ex.Direction.String())))
	}
	if ex.Limit > 0 {
		d = append(d, document.F("limit", document.Int64(ex.Limit)))
	}
	return d
}

func decodeExtraction(d document.Document) (query.Extraction, error) {
	var ex query.Extraction
	for _, f := range d {
		switch f.Key {
		case "collection":
			ex.Collection = f.Val.Str
		case "find":
			ex.Find = f.Val.Doc
			if ex.Find == nil {
				ex.Find = document.Document{}
			}
		case "findOne":
			ex.FindOne = f.Val.Bool
		case "sort":
			ex.Sort = f.Val.Str
		case "direction":
			dir, err := query.ParseDirection(f.Val.Str)
			if err != nil {
				return query.Extraction{}, err
			}
			ex.Direction = dir
		case "limit":
			ex.Limit = f.Val.Int
		default:
			return query.Extraction{}, fmt.Errorf("unknown extraction field %q", f.Key)
		}
	}
	return ex, nil
}

func stringArray(ss []string) document.Value {
	vals := make([]document.Value, len(ss))
	for i, s := range ss {
		vals[i] = document.String(s)
	}
	return document.Array(vals...)
}

func stringSlice(v document.Value) []string {
	out := make([]string, len(v.Arr))
	for i, e := range v.Arr {
		out[i] = e.Str
	}
	return out
}
