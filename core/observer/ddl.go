package observer

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/cainiaofei/mongo/core/oplog"
	"github.com/cainiaofei/mongo/core/storage"
)

// CollectionOptions is the pre-change option state captured for collMod
// reversibility. FlagsSet distinguishes flags that were explicitly set
// from a zero default; unset flags are omitted from the old-state capture.
type CollectionOptions struct {
	ValidationLevel  string
	ValidationAction string
	Flags            int32
	FlagsSet         bool
}

// TTLInfo carries the index TTL change accompanying a collMod, when the
// command modifies an index's expireAfterSeconds.
type TTLInfo struct {
	IndexName             string
	ExpireAfterSeconds    int64
	OldExpireAfterSeconds int64
}

// OnCollMod logs a collMod command. The emitted command document merges
// TTL info into the index sub-document; the o2 side document captures the
// old state of exactly the fields the command changes.
func (o *Observer) OnCollMod(opCtx *storage.OperationContext, ns oplog.Namespace, ui uuid.UUID, cmd oplog.Document, oldOpts CollectionOptions, ttl *TTLInfo) error {
	obj := oplog.Document{}
	for k, v := range cmd {
		obj[k] = v
	}
	if ttl != nil {
		obj["index"] = oplog.Document{
			"name":               ttl.IndexName,
			"expireAfterSeconds": ttl.ExpireAfterSeconds,
		}
	}

	oldCollOpts := oplog.Document{}
	if oldOpts.FlagsSet {
		oldCollOpts["flags"] = oldOpts.Flags
	}
	if _, ok := cmd["validationLevel"]; ok {
		oldCollOpts["validationLevel"] = oldOpts.ValidationLevel
	}
	if _, ok := cmd["validationAction"]; ok {
		oldCollOpts["validationAction"] = oldOpts.ValidationAction
	}
	o2 := oplog.Document{"collectionOptions_old": oldCollOpts}
	if ttl != nil {
		o2["expireAfterSeconds_old"] = ttl.OldExpireAfterSeconds
	}

	if _, err := o.appendCommand(ns, &ui, obj, o2); err != nil {
		return fmt.Errorf("failed to log collMod on %s: %w", ns, err)
	}
	return nil
}

// OnDropCollection logs a drop and returns its optime so the caller can
// correlate it with catalog metadata.
func (o *Observer) OnDropCollection(opCtx *storage.OperationContext, ns oplog.Namespace, ui uuid.UUID) (oplog.OpTime, error) {
	opTime, err := o.appendCommand(ns, &ui, oplog.Document{oplog.CmdDrop: ns.Coll}, nil)
	if err != nil {
		return oplog.OpTime{}, fmt.Errorf("failed to log drop of %s: %w", ns, err)
	}
	return opTime, nil
}

// OnRenameCollection logs a rename and returns its optime. dropTarget is
// omitted from the command document entirely when nil.
func (o *Observer) OnRenameCollection(opCtx *storage.OperationContext, from, to oplog.Namespace, ui uuid.UUID, dropTarget *uuid.UUID, stayTemp bool) (oplog.OpTime, error) {
	obj := oplog.Document{
		oplog.CmdRenameCollection: from.String(),
		"to":                      to.String(),
		"stayTemp":                stayTemp,
	}
	if dropTarget != nil {
		obj["dropTarget"] = dropTarget.String()
	}
	opTime, err := o.appendCommand(from, &ui, obj, nil)
	if err != nil {
		return oplog.OpTime{}, fmt.Errorf("failed to log rename of %s: %w", from, err)
	}
	return opTime, nil
}

// OnStartIndexBuild logs the start marker of a two-phase index build.
func (o *Observer) OnStartIndexBuild(opCtx *storage.OperationContext, ns oplog.Namespace, ui uuid.UUID, buildUUID uuid.UUID, specs []oplog.Document, fromMigrate bool) error {
	return o.indexBuildMarker(oplog.CmdStartIndexBuild, ns, ui, buildUUID, specs)
}

// OnCommitIndexBuild logs the commit marker of a two-phase index build.
func (o *Observer) OnCommitIndexBuild(opCtx *storage.OperationContext, ns oplog.Namespace, ui uuid.UUID, buildUUID uuid.UUID, specs []oplog.Document, fromMigrate bool) error {
	return o.indexBuildMarker(oplog.CmdCommitIndexBuild, ns, ui, buildUUID, specs)
}

// OnAbortIndexBuild logs the abort marker of a two-phase index build.
func (o *Observer) OnAbortIndexBuild(opCtx *storage.OperationContext, ns oplog.Namespace, ui uuid.UUID, buildUUID uuid.UUID, specs []oplog.Document, fromMigrate bool) error {
	return o.indexBuildMarker(oplog.CmdAbortIndexBuild, ns, ui, buildUUID, specs)
}

func (o *Observer) indexBuildMarker(cmd string, ns oplog.Namespace, ui uuid.UUID, buildUUID uuid.UUID, specs []oplog.Document) error {
	indexes := make([]interface{}, 0, len(specs))
	for _, spec := range specs {
		indexes = append(indexes, spec)
	}
	obj := oplog.Document{
		cmd:              ns.Coll,
		"indexBuildUUID": buildUUID.String(),
		"indexes":        indexes,
	}
	if _, err := o.appendCommand(ns, &ui, obj, nil); err != nil {
		return fmt.Errorf("failed to log %s on %s: %w", cmd, ns, err)
	}
	return nil
}

// appendCommand writes one command-shaped entry against the namespace's
// $cmd pseudo-collection.
func (o *Observer) appendCommand(ns oplog.Namespace, ui *uuid.UUID, obj, o2 oplog.Document) (oplog.OpTime, error) {
	e := &oplog.Entry{
		OpType:    oplog.OpTypeCommand,
		Namespace: ns.CommandNamespace().String(),
		UI:        ui,
		Object:    obj,
		Object2:   o2,
	}
	return o.log.Append(e)
}
