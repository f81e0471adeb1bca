// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package gimpbus

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"go.uber.org/zap"
)

const describeMethod = "__describe__"

var describeSchema = arrow.NewSchema([]arrow.Field{
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "interface", Type: arrow.BinaryTypes.String},
	{Name: "procedure", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "doc", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "in_signature", Type: arrow.BinaryTypes.String},
	{Name: "out_signature", Type: arrow.BinaryTypes.String},
	{Name: "params_schema_ipc", Type: arrow.BinaryTypes.Binary},
	{Name: "result_schema_ipc", Type: arrow.BinaryTypes.Binary},
	{Name: "param_types_json", Type: arrow.BinaryTypes.String, Nullable: true},
}, nil)

// Describe metadata keys.
const (
	MetaProtocolName    = "gimp_dbus.protocol_name"
	MetaDescribeVersion = "gimp_dbus.describe_version"
	DescribeVersion     = "1"
)

// serializeSchema serializes an Arrow schema to IPC format bytes.
func serializeSchema(schema *arrow.Schema) []byte {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	w.Close()
	return buf.Bytes()
}

func joinSignature(args []ArgDesc) string {
	var sig string
	for _, a := range args {
		sig += a.Signature
	}
	return sig
}

// buildDescribeBatch builds the __describe__ response batch and metadata:
// one row per method of the bus surface.
func (s *Server) buildDescribeBatch() (arrow.RecordBatch, arrow.Metadata) {
	mem := memory.NewGoAllocator()
	methods := s.Methods()

	nameBuilder := array.NewStringBuilder(mem)
	defer nameBuilder.Release()
	ifaceBuilder := array.NewStringBuilder(mem)
	defer ifaceBuilder.Release()
	procBuilder := array.NewStringBuilder(mem)
	defer procBuilder.Release()
	docBuilder := array.NewStringBuilder(mem)
	defer docBuilder.Release()
	inSigBuilder := array.NewStringBuilder(mem)
	defer inSigBuilder.Release()
	outSigBuilder := array.NewStringBuilder(mem)
	defer outSigBuilder.Release()
	paramsSchemaBuilder := array.NewBinaryBuilder(mem, arrow.BinaryTypes.Binary)
	defer paramsSchemaBuilder.Release()
	resultSchemaBuilder := array.NewBinaryBuilder(mem, arrow.BinaryTypes.Binary)
	defer resultSchemaBuilder.Release()
	paramTypesBuilder := array.NewStringBuilder(mem)
	defer paramTypesBuilder.Release()

	for _, m := range methods {
		nameBuilder.Append(m.Name)
		ifaceBuilder.Append(m.Interface)
		if m.Builtin() {
			procBuilder.AppendNull()
		} else {
			procBuilder.Append(m.Procedure)
		}
		if m.Doc == "" {
			docBuilder.AppendNull()
		} else {
			docBuilder.Append(m.Doc)
		}
		inSigBuilder.Append(joinSignature(m.In))
		outSigBuilder.Append(joinSignature(m.Out))
		paramsSchemaBuilder.Append(serializeSchema(signatureSchema(m.In)))
		resultSchemaBuilder.Append(serializeSchema(signatureSchema(m.Out)))

		// PDB type names are only known for registry procedures.
		if m.Builtin() || len(m.In) == 0 {
			paramTypesBuilder.AppendNull()
			continue
		}
		types := make(map[string]string, len(m.In))
		for _, a := range m.In {
			types[a.Name] = a.Type
		}
		ptJSON, err := json.Marshal(types)
		if err != nil {
			Logger().Warn("failed to marshal param types JSON", zap.String("method", m.Name), zap.Error(err))
			paramTypesBuilder.AppendNull()
			continue
		}
		paramTypesBuilder.Append(string(ptJSON))
	}

	cols := []arrow.Array{
		nameBuilder.NewArray(),
		ifaceBuilder.NewArray(),
		procBuilder.NewArray(),
		docBuilder.NewArray(),
		inSigBuilder.NewArray(),
		outSigBuilder.NewArray(),
		paramsSchemaBuilder.NewArray(),
		resultSchemaBuilder.NewArray(),
		paramTypesBuilder.NewArray(),
	}
	for _, c := range cols {
		defer c.Release()
	}

	batch := array.NewRecordBatch(describeSchema, cols, int64(len(methods)))

	name := s.serviceName
	if name == "" {
		name = ServiceName
	}
	keys := []string{MetaProtocolName, MetaRequestVersion, MetaDescribeVersion}
	vals := []string{name, ProtocolVersion, DescribeVersion}
	if s.serverID != "" {
		keys = append(keys, MetaServerID)
		vals = append(vals, s.serverID)
	}
	return batch, arrow.NewMetadata(keys, vals)
}

// serveDescribe writes the __describe__ reply as one IPC stream.
func (s *Server) serveDescribe(w io.Writer) error {
	batch, meta := s.buildDescribeBatch()
	defer batch.Release()

	batchWithMeta := array.NewRecordBatchWithMetadata(
		describeSchema, batch.Columns(), batch.NumRows(), meta)
	defer batchWithMeta.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(describeSchema))
	defer writer.Close()

	return writer.Write(batchWithMeta)
}
