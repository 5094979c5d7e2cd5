package store

import (
	"fmt"

	"github.com/breezedb/breeze-go/document"
	"github.com/breezedb/breeze-go/query"
)

// InstanceRecord is the evolving cached result set for one fingerprint
// with the limit stripped. It absorbs optimistic writes and network
// refreshes in place. LatestLimiter remembers the widest fetch that fed
// it: zero means an unlimited fetch happened and the record holds the
// complete selection, otherwise it is the largest limit ever fetched and
// the record can serve any read whose limit does not exceed it.
type InstanceRecord struct {
	Path          string
	Command       query.Command
	Config        query.Config
	LatestLimiter int64
	Data          []document.Document
}

// CanServe reports whether the record's data covers a read with the given
// limit (zero = unlimited).
func (r *InstanceRecord) CanServe(limit int64) bool {
	if r.LatestLimiter == 0 {
		return true
	}
	return limit != 0 && limit <= r.LatestLimiter
}

// EpisodeRecord is a frozen result snapshot for one fully-qualified
// fingerprint (limit included). Episodes never absorb writes; they are
// replaced wholesale on refresh.
type EpisodeRecord struct {
	Path string
	Data []document.Document
}

// CountRecord caches a server-side document count.
type CountRecord struct {
	Path  string
	Count int64
}

// MarshalInstance encodes an instance record for row storage.
func MarshalInstance(r *InstanceRecord) []byte {
	d := document.D(
		document.F("path", document.String(r.Path)),
		document.F("command", document.Object(EncodeCommand(r.Command))),
		document.F("config", document.Object(EncodeConfig(r.Config))),
		document.F("latestLimiter", document.Int64(r.LatestLimiter)),
		document.F("data", docArray(r.Data)),
	)
	return document.EncodeDoc(d)
}

// UnmarshalInstance is the inverse of MarshalInstance.
func UnmarshalInstance(b []byte) (*InstanceRecord, error) {
	d, err := document.DecodeDoc(b)
	if err != nil {
		return nil, fmt.Errorf("decode instance record: %w", err)
	}
	r := &InstanceRecord{}
	for _, f := range d {
		switch f.Key {
		case "path":
			r.Path = f.Val.Str
		case "command":
			if r.Command, err = DecodeCommand(f.Val.Doc); err != nil {
				return nil, err
			}
		case "config":
			if r.Config, err = DecodeConfig(f.Val.Doc); err != nil {
				return nil, err
			}
		case "latestLimiter":
			r.LatestLimiter = f.Val.Int
		case "data":
			r.Data = docSlice(f.Val)
		default:
			return nil, fmt.Errorf("unknown instance record field %q", f.Key)
		}
	}
	return r, nil
}

// MarshalEpisode encodes an episode record for row storage.
func MarshalEpisode(r *EpisodeRecord) []byte {
	d := document.D(
		document.F("path", document.String(r.Path)),
		document.F("data", docArray(r.Data)),
	)
	return document.EncodeDoc(d)
}

// UnmarshalEpisode is the inverse of MarshalEpisode.
func UnmarshalEpisode(b []byte) (*EpisodeRecord, error) {
	d, err := document.DecodeDoc(b)
	if err != nil {
		return nil, fmt.Errorf("decode episode record: %w", err)
	}
	r := &EpisodeRecord{}
	for _, f := range d {
		switch f.Key {
		case "path":
			r.Path = f.Val.Str
		case "data":
			r.Data = docSlice(f.Val)
		default:
			return nil, fmt.Errorf("unknown episode record field %q", f.Key)
		}
	}
	return r, nil
}

// MarshalCount encodes a count record for row storage.
func MarshalCount(r *CountRecord) []byte {
	d := document.D(
		document.F("path", document.String(r.Path)),
		document.F("count", document.Int64(r.Count)),
	)
	return document.EncodeDoc(d)
}

// UnmarshalCount is the inverse of MarshalCount.
func UnmarshalCount(b []byte) (*CountRecord, error) {
	d, err := document.DecodeDoc(b)
	if err != nil {
		return nil, fmt.Errorf("decode count record: %w", err)
	}
	r := &CountRecord{}
	for _, f := range d {
		switch f.Key {
		case "path":
			r.Path = f.Val.Str
		case "count":
			r.Count = f.Val.Int
		default:
			return nil, fmt.Errorf("unknown count record field %q", f.Key)
		}
	}
	return r, nil
}

func docArray(docs []document.Document) document.Value {
	vals := make([]document.Value, len(docs))
	for i, d := range docs {
		vals[i] = document.Object(d)
	}
	return document.Array(vals...)
}

func docSlice(v document.Value) []document.Document {
	if len(v.Arr) == 0 {
		return nil
	}
	out := make([]document.Document, len(v.Arr))
	for i, e := range v.Arr {
		out[i] = e.Doc
	}
	return out
}
