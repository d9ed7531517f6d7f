package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/myuser/docbind/internal/dberr"
	"github.com/tidwall/gjson"
)

type FieldType string

const (
	FieldInt    FieldType = "int"
	FieldInt64  FieldType = "int64"
	FieldDouble FieldType = "double"
	FieldString FieldType = "string"
	FieldBool   FieldType = "bool"
)

type IndexType string

const (
	IndexHash  IndexType = "hash"
	IndexTree  IndexType = "tree"
	IndexStore IndexType = "-"
)

// IndexDef is the JSON index definition accepted by AddIndex.
type IndexDef struct {
	Name      string    `json:"name"`
	JSONPaths []string  `json:"json_paths"`
	FieldType FieldType `json:"field_type"`
	IndexType IndexType `json:"index_type"`
	IsPK      bool      `json:"is_pk,omitempty"`
	IsArray   bool      `json:"is_array,omitempty"`
	IsDense   bool      `json:"is_dense,omitempty"`
	IsSparse  bool      `json:"is_sparse,omitempty"`
}

func parseIndexDef(data []byte) (IndexDef, Error) {
	var def IndexDef
	if err := json.Unmarshal(data, &def); err != nil {
		return def, errorf(dberr.CodeParseJSON, "index definition: %v", err)
	}
	if def.Name == "" {
		return def, errorf(dberr.CodeParams, "index name is empty")
	}
	if len(def.JSONPaths) == 0 {
		def.JSONPaths = []string{def.Name}
	}
	if len(def.JSONPaths) > 1 {
		return def, errorf(dberr.CodeParams, "index %q: composite indexes are not supported", def.Name)
	}
	switch def.FieldType {
	case FieldInt, FieldInt64, FieldDouble, FieldString, FieldBool:
	default:
		return def, errorf(dberr.CodeParams, "index %q: unsupported field type %q", def.Name, def.FieldType)
	}
	switch def.IndexType {
	case IndexHash, IndexTree, IndexStore:
	case "":
		def.IndexType = IndexHash
	default:
		return def, errorf(dberr.CodeParams, "index %q: unsupported index type %q", def.Name, def.IndexType)
	}
	if def.IsPK && (def.IsArray || def.IndexType == IndexStore) {
		return def, errorf(dberr.CodeParams, "index %q: primary key must be a scalar hash or tree index", def.Name)
	}
	if def.FieldType == FieldBool && def.IndexType == IndexTree {
		return def, errorf(dberr.CodeParams, "index %q: bool fields cannot use a tree index", def.Name)
	}
	return def, errOK
}

func (def IndexDef) path() string { return def.JSONPaths[0] }

// check validates the value of the indexed field in doc.
func (def IndexDef) check(doc []byte) Error {
	r := gjson.GetBytes(doc, def.path())
	if !r.Exists() || r.Type == gjson.Null {
		if def.IsPK {
			return errorf(dberr.CodeParams, "primary key %q is missing", def.Name)
		}
		return errOK
	}
	if r.IsArray() {
		if !def.IsArray {
			return errorf(dberr.CodeParams, "index %q: array value for a scalar index", def.Name)
		}
		for _, e := range r.Array() {
			if err := def.checkScalar(e); !err.Ok() {
				return err
			}
		}
		return errOK
	}
	return def.checkScalar(r)
}

func (def IndexDef) checkScalar(r gjson.Result) Error {
	ok := false
	switch def.FieldType {
	case FieldInt:
		ok = r.Type == gjson.Number && isInt(r.Raw, 32)
	case FieldInt64:
		ok = r.Type == gjson.Number && isInt(r.Raw, 64)
	case FieldDouble:
		ok = r.Type == gjson.Number
	case FieldString:
		ok = r.Type == gjson.String
	case FieldBool:
		ok = r.Type == gjson.True || r.Type == gjson.False
	}
	if !ok {
		return errorf(dberr.CodeParams, "index %q: value %s is not a valid %s", def.Name, r.Raw, def.FieldType)
	}
	return errOK
}

func isInt(raw string, bits int) bool {
	_, err := strconv.ParseInt(raw, 10, bits)
	return err == nil
}

// pkText returns the canonical key text of the primary key value in doc.
func (def IndexDef) pkText(doc []byte) (string, Error) {
	r := gjson.GetBytes(doc, def.path())
	switch r.Type {
	case gjson.Number:
		if isInt(r.Raw, 64) {
			return strconv.FormatInt(r.Int(), 10), errOK
		}
		return strconv.FormatFloat(r.Float(), 'g', -1, 64), errOK
	case gjson.String:
		return r.Str, errOK
	case gjson.True, gjson.False:
		return strconv.FormatBool(r.Bool()), errOK
	}
	return "", errorf(dberr.CodeParams, "primary key %q is missing", def.Name)
}

func validNamespaceName(name string) Error {
	if name == "" {
		return errorf(dberr.CodeParams, "namespace name is empty")
	}
	if strings.HasPrefix(name, "#") {
		return errorf(dberr.CodeParams, "namespace %q: names starting with # are reserved", name)
	}
	for _, c := range name {
		if !(c == '_' || c == '-' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return errorf(dberr.CodeParams, "namespace %q: invalid character %q", name, c)
		}
	}
	return errOK
}

func (def IndexDef) String() string {
	return fmt.Sprintf("%s(%s %s)", def.Name, def.IndexType, def.FieldType)
}
