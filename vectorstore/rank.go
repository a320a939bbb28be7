package vectorstore

import (
	"math"
	"sort"
)

// cosineSimilarity 计算余弦相似度，维度不一致或零向量时返回 0
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0.0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0.0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// centroid 返回一组向量的均值，维度以第一条为准，不一致的向量被跳过
func centroid(records []Record) []float64 {
	if len(records) == 0 {
		return nil
	}
	dims := len(records[0].Vector)
	sum := make([]float64, dims)
	n := 0
	for i := range records {
		if len(records[i].Vector) != dims {
			continue
		}
		for j, v := range records[i].Vector {
			sum[j] += v
		}
		n++
	}
	for j := range sum {
		sum[j] /= float64(n)
	}
	return sum
}

// rankByCentroid 按与组质心的相似度降序排列，分数相同按插入顺序
func rankByCentroid(records []Record, k int) []Record {
	if k <= 0 || len(records) == 0 {
		return []Record{}
	}
	c := centroid(records)
	matches := scoreAll(records, c)
	if k > len(matches) {
		k = len(matches)
	}
	out := make([]Record, k)
	for i := 0; i < k; i++ {
		out[i] = matches[i].Record
	}
	return out
}

// rankByQuery 按与查询向量的相似度降序排列
func rankByQuery(records []Record, query []float64, k int) []Match {
	if k <= 0 || len(records) == 0 {
		return []Match{}
	}
	matches := scoreAll(records, query)
	if k > len(matches) {
		k = len(matches)
	}
	return matches[:k]
}

func scoreAll(records []Record, ref []float64) []Match {
	matches := make([]Match, len(records))
	for i := range records {
		matches[i] = Match{Record: records[i], Score: cosineSimilarity(ref, records[i].Vector)}
	}
	sortMatches(matches)
	return matches
}

// sortMatches 分数降序，分数相同时 Seq 升序
func sortMatches(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Record.Seq < matches[j].Record.Seq
	})
}

// Float32ToFloat64 converts a []float32 vector to []float64.
func Float32ToFloat64(v []float32) []float64 {
	if v == nil {
		return nil
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

// Float64ToFloat32 converts a []float64 vector to []float32.
func Float64ToFloat32(v []float64) []float32 {
	if v == nil {
		return nil
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
