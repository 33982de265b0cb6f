// Package operation defines the atomic unit of scheduled grading work
// (Operation) and its worker-ready payload (Job, JobGroup). Types here are
// pure values: no I/O, no locking, structural equality only. QueueService
// treats Job as an opaque blob; only EvaluationService inspects it.
package operation

import (
	"fmt"
	"time"
)

// Type identifies what kind of work an Operation represents.
type Type int

const (
	CompileSubmission Type = iota
	EvaluateSubmission
	CompileUserTest
	EvaluateUserTest
)

func (t Type) String() string {
	switch t {
	case CompileSubmission:
		return "compile_submission"
	case EvaluateSubmission:
		return "evaluate_submission"
	case CompileUserTest:
		return "compile_user_test"
	case EvaluateUserTest:
		return "evaluate_user_test"
	default:
		return fmt.Sprintf("operation.Type(%d)", int(t))
	}
}

// IsEvaluate reports whether operations of this type carry a testcase
// codename.
func (t Type) IsEvaluate() bool {
	return t == EvaluateSubmission || t == EvaluateUserTest
}

// ForSubmission reports whether operations of this type target a
// submission (as opposed to a user test).
func (t Type) ForSubmission() bool {
	return t == CompileSubmission || t == EvaluateSubmission
}

// SideData is attached to an Operation by the executor so that a lost
// operation can be re-enqueued at its original priority and timestamp
// without consulting the store.
type SideData struct {
	Priority          int
	OriginalTimestamp time.Time
}

// Operation is the atomic unit of scheduled work: compile or evaluate one
// testcase of one object (submission or user test) on one dataset.
//
// Equality and hash are derived from (Type, ObjectID, DatasetID,
// TestcaseCodename); SideData is metadata, not identity, and must never be
// compared.
type Operation struct {
	Type             Type
	ObjectID         int64
	DatasetID        int64
	TestcaseCodename string // empty iff Type is a Compile* type

	SideData SideData
}

// Key is the comparable identity of an Operation, suitable as a map key.
// Two Operations with equal Key are the same unit of work regardless of
// SideData.
type Key struct {
	Type             Type
	ObjectID         int64
	DatasetID        int64
	TestcaseCodename string
}

// Key returns the identity of the operation, ignoring SideData.
func (o Operation) Key() Key {
	return Key{
		Type:             o.Type,
		ObjectID:         o.ObjectID,
		DatasetID:        o.DatasetID,
		TestcaseCodename: o.TestcaseCodename,
	}
}

// Equal reports whether two operations share the same identity.
func (o Operation) Equal(other Operation) bool {
	return o.Key() == other.Key()
}

func (o Operation) String() string {
	if o.Type.IsEvaluate() {
		return fmt.Sprintf("%s(object=%d, dataset=%d, testcase=%s)",
			o.Type, o.ObjectID, o.DatasetID, o.TestcaseCodename)
	}
	return fmt.Sprintf("%s(object=%d, dataset=%d)", o.Type, o.ObjectID, o.DatasetID)
}

// ForSubmission reports whether this operation targets a submission
// (CompileSubmission/EvaluateSubmission) or a user test.
func (o Operation) ForSubmission() bool {
	return o.Type.ForSubmission()
}

// List is the wire form of an Operation crossing the RPC boundary:
// [typeTag, objectId, datasetId, testcaseCodename|nil].
type List [4]interface{}

// ToList encodes the operation in its RPC list form. Type tags follow
// spec.md §6: 0 CompileSubmission, 1 EvaluateSubmission, 2 CompileUserTest,
// 3 EvaluateUserTest.
func (o Operation) ToList() List {
	var codename interface{}
	if o.TestcaseCodename != "" {
		codename = o.TestcaseCodename
	}
	return List{int(o.Type), o.ObjectID, o.DatasetID, codename}
}

// FromList decodes an Operation from its RPC list form. It does not
// populate SideData.
func FromList(l List) (Operation, error) {
	typeTag, ok := toInt(l[0])
	if !ok {
		return Operation{}, fmt.Errorf("operation: invalid type tag %v", l[0])
	}
	if typeTag < int64(CompileSubmission) || typeTag > int64(EvaluateUserTest) {
		return Operation{}, fmt.Errorf("operation: unknown type tag %d", typeTag)
	}
	objectID, ok := toInt(l[1])
	if !ok {
		return Operation{}, fmt.Errorf("operation: invalid object id %v", l[1])
	}
	datasetID, ok := toInt(l[2])
	if !ok {
		return Operation{}, fmt.Errorf("operation: invalid dataset id %v", l[2])
	}
	var codename string
	if l[3] != nil {
		s, ok := l[3].(string)
		if !ok {
			return Operation{}, fmt.Errorf("operation: invalid testcase codename %v", l[3])
		}
		codename = s
	}
	return Operation{
		Type:             Type(typeTag),
		ObjectID:         objectID,
		DatasetID:        datasetID,
		TestcaseCodename: codename,
	}, nil
}

// Dict is the wire form of an Operation used for logging/telemetry: a
// plain string-keyed map mirroring the original's to_dict()/from_dict().
type Dict map[string]interface{}

// ToDict encodes the operation as a map, for logging and telemetry.
func (o Operation) ToDict() Dict {
	d := Dict{
		"type":       o.Type.String(),
		"object_id":  o.ObjectID,
		"dataset_id": o.DatasetID,
	}
	if o.TestcaseCodename != "" {
		d["testcase_codename"] = o.TestcaseCodename
	} else {
		d["testcase_codename"] = nil
	}
	return d
}

// FromDict decodes an Operation from its map form.
func FromDict(d Dict) (Operation, error) {
	typeStr, _ := d["type"].(string)
	t, err := typeFromString(typeStr)
	if err != nil {
		return Operation{}, err
	}
	objectID, ok := toInt(d["object_id"])
	if !ok {
		return Operation{}, fmt.Errorf("operation: invalid object id %v", d["object_id"])
	}
	datasetID, ok := toInt(d["dataset_id"])
	if !ok {
		return Operation{}, fmt.Errorf("operation: invalid dataset id %v", d["dataset_id"])
	}
	var codename string
	if c, ok := d["testcase_codename"].(string); ok {
		codename = c
	}
	return Operation{
		Type:             t,
		ObjectID:         objectID,
		DatasetID:        datasetID,
		TestcaseCodename: codename,
	}, nil
}

func typeFromString(s string) (Type, error) {
	switch s {
	case CompileSubmission.String():
		return CompileSubmission, nil
	case EvaluateSubmission.String():
		return EvaluateSubmission, nil
	case CompileUserTest.String():
		return CompileUserTest, nil
	case EvaluateUserTest.String():
		return EvaluateUserTest, nil
	default:
		return 0, fmt.Errorf("operation: unknown type %q", s)
	}
}

func toInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// EncodeTimestamp converts a time.Time to the POSIX-epoch-seconds form used
// on the wire.
func EncodeTimestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// DecodeTimestamp converts the wire epoch-seconds form back to a time.Time
// in UTC.
func DecodeTimestamp(epochSeconds float64) time.Time {
	return time.Unix(0, int64(epochSeconds*float64(time.Second))).UTC()
}
