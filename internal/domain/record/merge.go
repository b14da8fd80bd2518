package record

// deepMerge merges src into dst field by field. Nested objects merge
// recursively; scalar leaves are last-write-wins. Partial updates from one
// device therefore never erase fields a concurrent partial update saved
// under disjoint leaf keys.
func deepMerge(dst, src map[string]interface{}) map[string]interface{} {
	if dst == nil {
		dst = make(map[string]interface{}, len(src))
	}
	for key, val := range src {
		srcMap, srcIsMap := val.(map[string]interface{})
		dstMap, dstIsMap := dst[key].(map[string]interface{})
		if srcIsMap && dstIsMap {
			dst[key] = deepMerge(dstMap, srcMap)
			continue
		}
		dst[key] = val
	}
	return dst
}
