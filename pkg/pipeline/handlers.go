package pipeline

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/pgkv/pgkv/pkg/filter"
	"github.com/pgkv/pgkv/pkg/kverrors"
	"github.com/pgkv/pgkv/pkg/trigger"
	"github.com/pgkv/pgkv/pkg/types"
)

// Handler is one stage of a pipeline. It may install additional state on
// req; it must not reorder the pipeline (spec §4.F).
type Handler func(req *Request) error

// loadBucket resolves req.Bucket's descriptor through the cache.
func loadBucket(req *Request) error {
	desc, err := req.Catalog.Get(req.Ctx, req.Bucket, req.Write.NoCache)
	if err != nil {
		return err
	}
	req.Descriptor = desc
	return nil
}

// lockPreviousRow issues SELECT ... FOR UPDATE on the target key, so
// concurrent writers on the same key are serialised (spec §5
// "Transactions").
func lockPreviousRow(req *Request) error {
	row := req.Session.QueryRowContext(req.Ctx, fmt.Sprintf(`
		SELECT _id, _value, _etag, _mtime, _txn_snap, _rver
		FROM %s WHERE _key = $1 FOR UPDATE
	`, pq.QuoteIdentifier(req.Bucket)), req.Key)

	obj, err := scanRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			req.Previous = nil
			return nil
		}
		return err
	}
	req.Previous = obj
	return rowVersionGuard(req)
}

// rowVersionGuard shoots down the cache entry and reloads the descriptor
// if the row's _rver outran the cached descriptor's version (spec §4.F
// "Row-version guard").
func rowVersionGuard(req *Request) error {
	if req.Previous == nil || !req.Previous.RVer.Valid {
		return nil
	}
	if int(req.Previous.RVer.Int64) <= req.Descriptor.Options.Version {
		return nil
	}
	req.Catalog.Invalidate(req.Bucket)
	fresh, err := req.Catalog.Get(req.Ctx, req.Bucket, true)
	if err != nil {
		return err
	}
	req.Descriptor = fresh
	return nil
}

// checkEtag enforces the write-path etag precondition of spec §4.F.
func checkEtag(req *Request) error {
	if !req.Write.EtagSet {
		return nil
	}
	if req.Write.Etag == nil {
		if req.Previous != nil {
			return kverrors.EtagConflict
		}
		return nil
	}
	if req.Previous == nil || req.Previous.Etag != *req.Write.Etag {
		return kverrors.EtagConflict
	}
	return nil
}

func runPreTriggers(req *Request) error {
	return runTriggers(req, req.Descriptor.PreFuncs, false)
}

func runPostTriggers(req *Request) error {
	return runTriggers(req, req.Descriptor.PostFuncs, true)
}

func runTriggers(req *Request, fns []trigger.Func, update bool) error {
	cookie := &trigger.Cookie{
		Bucket:    req.Bucket,
		Key:       req.Key,
		RequestID: req.RequestID,
		Log:       req.Log,
		Session:   req.Session,
		Schema:    req.Descriptor.BucketDescriptor,
		Value:     req.Value,
		Headers:   req.Write.Headers,
		Update:    update,
	}
	if req.Written != nil {
		cookie.ID = req.Written.ID
	}
	return trigger.Run(req.Ctx, fns, cookie)
}

// indexObject produces the projection of spec §4.H: for each indexed key
// present in the object, coerce its value; absent keys stay null.
func indexObject(desc map[string]types.FieldType, value map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(desc))
	for field, ft := range desc {
		v, present := value[field]
		if !present {
			out[field] = nil
			continue
		}
		coerced, err := types.CoerceColumn(ft, v)
		if err != nil {
			return nil, err
		}
		out[field] = coerced
	}
	return out, nil
}

// writeRow performs the INSERT-or-UPDATE of spec §4.F putObject, stamping
// _etag/_mtime/_rver per spec §4.H.
func writeRow(req *Request) error {
	projected, err := indexObject(req.Descriptor.IndexFieldTypes(), req.Value)
	if err != nil {
		return err
	}

	valueJSON, err := json.Marshal(req.Value)
	if err != nil {
		return kverrors.Wrap(kverrors.CodeInternal, "marshalling object value", err)
	}

	etag := computeEtag(req.Bucket, req.Key, valueJSON)
	mtime := time.Now().UnixMilli()
	rver := req.Descriptor.Options.Version

	cols, placeholders, args := []string{"_key", "_value", "_etag", "_mtime", "_rver"},
		[]string{"$1", "$2", "$3", "$4", "$5"},
		[]interface{}{req.Key, string(valueJSON), etag, mtime, rver}

	fields := sortedKeys(projected)
	for i, field := range fields {
		cols = append(cols, pq.QuoteIdentifier(field))
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+6))
		args = append(args, arrayOrScalarArg(req.Descriptor.Index[field].Type, projected[field]))
	}

	update := req.Previous != nil
	var stmt string
	if update {
		sets := make([]string, 0, len(cols)-1)
		for i, c := range cols {
			if c == "_key" {
				continue
			}
			sets = append(sets, fmt.Sprintf("%s = %s", c, placeholders[i]))
		}
		stmt = fmt.Sprintf("UPDATE %s SET %s WHERE _key = $1 RETURNING _id",
			pq.QuoteIdentifier(req.Bucket), joinComma(sets))
	} else {
		stmt = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING _id",
			pq.QuoteIdentifier(req.Bucket), joinComma(cols), joinComma(placeholders))
	}

	var id int64
	if err := req.Session.QueryRowContext(req.Ctx, stmt, args...).Scan(&id); err != nil {
		return kverrors.FromPostgres(err)
	}

	req.Written = &ObjectRow{ID: id, Key: req.Key, Value: req.Value, Etag: etag, Mtime: mtime,
		RVer: sql.NullInt64{Int64: int64(rver), Valid: true}}
	req.Update = update
	return nil
}

func arrayOrScalarArg(ft types.FieldType, v interface{}) interface{} {
	if v == nil {
		return nil
	}
	if !ft.Array {
		return v
	}
	arr, ok := v.([]interface{})
	if !ok {
		return pq.Array([]interface{}{v})
	}
	return pq.Array(arr)
}

func computeEtag(bucket, key string, value []byte) string {
	h := sha256.New()
	h.Write([]byte(bucket))
	h.Write([]byte{0})
	h.Write([]byte(key))
	h.Write([]byte{0})
	h.Write(value)
	return hex.EncodeToString(h.Sum(nil))
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func joinComma(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}

// bulkUpdateColumns implements updateObjects (spec §6): every row matching
// req.Compiled is locked, its indexed columns in req.Fields are coerced and
// overwritten, and its _etag is recomputed from its unchanged _value -
// _value itself is never touched.
func bulkUpdateColumns(req *Request) error {
	if len(req.Fields) == 0 {
		return kverrors.Wrap(kverrors.CodeInvalidBucketConfig, "updateObjects: fields must not be empty", nil)
	}

	desc := req.Descriptor.IndexFieldTypes()
	coerced := make(map[string]interface{}, len(req.Fields))
	for field, v := range req.Fields {
		ft, ok := desc[field]
		if !ok {
			return kverrors.Wrap(kverrors.CodeInvalidIndexType,
				fmt.Sprintf("updateObjects: %q is not an indexed field", field), nil)
		}
		cv, err := types.CoerceColumn(ft, v)
		if err != nil {
			return err
		}
		coerced[field] = cv
	}

	rows, err := req.Session.QueryContext(req.Ctx, fmt.Sprintf(
		"SELECT _key, _value FROM %s WHERE %s FOR UPDATE",
		pq.QuoteIdentifier(req.Bucket), req.Compiled.Clause), req.Compiled.Args...)
	if err != nil {
		return kverrors.FromPostgres(err)
	}
	defer rows.Close()

	type target struct{ key, value string }
	var targets []target
	for rows.Next() {
		var t target
		if err := rows.Scan(&t.key, &t.value); err != nil {
			return kverrors.FromPostgres(err)
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return kverrors.FromPostgres(err)
	}

	fields := sortedKeys(coerced)
	var count int64
	for _, t := range targets {
		etag := computeEtag(req.Bucket, t.key, []byte(t.value))
		mtime := time.Now().UnixMilli()

		sets := []string{"_etag = $1", "_mtime = $2"}
		args := []interface{}{etag, mtime}
		for i, field := range fields {
			sets = append(sets, fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(field), i+3))
			args = append(args, arrayOrScalarArg(desc[field], coerced[field]))
		}
		args = append(args, t.key)

		stmt := fmt.Sprintf("UPDATE %s SET %s WHERE _key = $%d",
			pq.QuoteIdentifier(req.Bucket), joinComma(sets), len(args))
		res, err := req.Session.ExecContext(req.Ctx, stmt, args...)
		if err != nil {
			return kverrors.FromPostgres(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return kverrors.FromPostgres(err)
		}
		count += n
	}

	req.updatedCount = count
	return nil
}

// deleteRow removes the target key's row (spec §4.F delObject).
func deleteRow(req *Request) error {
	_, err := req.Session.ExecContext(req.Ctx,
		fmt.Sprintf("DELETE FROM %s WHERE _key = $1", pq.QuoteIdentifier(req.Bucket)), req.Key)
	return kverrors.FromPostgres(err)
}

// buildWhere parses, decorates and compiles req.Filter against the
// descriptor's index map (spec §4.B).
func buildWhere(req *Request) error {
	if req.Filter == "" {
		req.Compiled = &filter.Compiled{Clause: "TRUE"}
		return nil
	}

	node, err := filter.Parse(req.Filter)
	if err != nil {
		return err
	}

	dec := &filter.Decorator{
		Index:         req.Descriptor.IndexFieldTypes(),
		ReindexFields: req.Descriptor.ReindexActive.Fields(),
	}
	compiled, err := filter.Compile(node, dec)
	if err != nil {
		return err
	}
	req.Compiled = compiled
	return nil
}

// buildKeyFilter compiles a direct _key equality clause, bypassing the
// filter parser entirely - getObject looks up one key, not an indexed
// field, so it never goes through filter.Compile.
func buildKeyFilter(req *Request) error {
	req.Compiled = &filter.Compiled{Clause: "_key = $1", Args: []interface{}{req.Key}}
	return nil
}

// streamRows executes the compiled SELECT of spec §4.G and reconstructs
// each row to a JSON object.
func streamRows(req *Request) error {
	limit := 1000
	if req.Find.NoLimit {
		limit = 0
	} else if req.Find.Limit > 0 {
		limit = req.Find.Limit
	}

	columns := sortedFieldNames(req.Descriptor.IndexFieldTypes())
	projCols := ""
	for _, c := range columns {
		projCols += ", " + pq.QuoteIdentifier(c)
	}

	stmt := fmt.Sprintf(`
		SELECT _id, _key, _value, _etag, _mtime, _txn_snap, COUNT(*) OVER() AS _count%s
		FROM %s WHERE %s
	`, projCols, pq.QuoteIdentifier(req.Bucket), req.Compiled.Clause)

	if len(req.Find.Sort) > 0 {
		order := ""
		for i, s := range req.Find.Sort {
			if i > 0 {
				order += ", "
			}
			order += pq.QuoteIdentifier(s)
		}
		stmt += " ORDER BY " + order
	}
	if limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", limit)
	}
	if req.Find.Offset > 0 {
		stmt += fmt.Sprintf(" OFFSET %d", req.Find.Offset)
	}

	rows, err := req.Session.QueryContext(req.Ctx, stmt, req.Compiled.Args...)
	if err != nil {
		return kverrors.FromPostgres(err)
	}
	defer rows.Close()

	ignore := make(map[string]bool, len(req.Find.Ignore))
	for _, f := range req.Find.Ignore {
		ignore[f] = true
	}

	var results []*ObjectRow
	for rows.Next() {
		scanDest := make([]interface{}, 7+len(columns))
		var id, count int64
		var key, etag string
		var valueJSON string
		var mtime int64
		var txnSnap sql.NullString
		scanDest[0], scanDest[1], scanDest[2] = &id, &key, &valueJSON
		scanDest[3], scanDest[4], scanDest[5] = &etag, &mtime, &txnSnap
		scanDest[6] = &count
		colVals := make([]interface{}, len(columns))
		for i, col := range columns {
			if req.Descriptor.Index[col].Type.Array {
				colVals[i] = &pq.StringArray{}
			} else {
				colVals[i] = new(interface{})
			}
			scanDest[7+i] = colVals[i]
		}

		if err := rows.Scan(scanDest...); err != nil {
			return kverrors.FromPostgres(err)
		}

		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(valueJSON), &obj); err != nil {
			return kverrors.Wrap(kverrors.CodeInternal, "decoding stored value", err)
		}

		for i, col := range columns {
			if ignore[col] {
				continue
			}
			ft := req.Descriptor.Index[col].Type

			if ft.Array {
				arr := colVals[i].(*pq.StringArray)
				if existing, ok := obj[col]; ok && isArrayValue(existing) {
					continue
				}
				if len(*arr) == 0 {
					delete(obj, col)
					continue
				}
				obj[col] = reverseColumnValue(ft, []string(*arr))
				continue
			}

			raw := *(colVals[i].(*interface{}))
			if raw == nil {
				delete(obj, col)
				continue
			}
			if existing, ok := obj[col]; !ok || !isArrayValue(existing) {
				obj[col] = reverseColumnValue(ft, raw)
			}
		}

		obj["_id"] = id
		obj["_etag"] = etag
		obj["_mtime"] = mtime
		obj["_txn_snap"] = nullableString(txnSnap)
		obj["_count"] = count

		results = append(results, &ObjectRow{ID: id, Key: key, Value: obj, Etag: etag, Mtime: mtime, Count: count})
	}

	req.Results = results
	return kverrors.FromPostgres(rows.Err())
}

func isArrayValue(v interface{}) bool {
	_, ok := v.([]interface{})
	return ok
}

func reverseColumnValue(ft types.FieldType, raw interface{}) interface{} {
	if !ft.Array {
		return types.ReverseScalar(ft.Scalar, raw)
	}
	switch arr := raw.(type) {
	case []string:
		out := make([]interface{}, len(arr))
		for i, s := range arr {
			out[i] = types.ReverseScalar(ft.Scalar, s)
		}
		return out
	default:
		return raw
	}
}

func nullableString(s sql.NullString) interface{} {
	if !s.Valid {
		return nil
	}
	return s.String
}

func sortedFieldNames(m map[string]types.FieldType) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func scanRow(row *sql.Row) (*ObjectRow, error) {
	var id int64
	var valueJSON, etag string
	var mtime int64
	var txnSnap sql.NullString
	var rver sql.NullInt64

	if err := row.Scan(&id, &valueJSON, &etag, &mtime, &txnSnap, &rver); err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, kverrors.FromPostgres(err)
	}

	var value map[string]interface{}
	if err := json.Unmarshal([]byte(valueJSON), &value); err != nil {
		return nil, kverrors.Wrap(kverrors.CodeInternal, "decoding stored value", err)
	}

	return &ObjectRow{ID: id, Value: value, Etag: etag, Mtime: mtime, TxnSnap: txnSnap, RVer: rver}, nil
}
