package respcache

import "math"

// tfidfCosine scores query against each document with TF-IDF weighted
// cosine similarity. The corpus is the documents plus the query, and
// idf = ln((N+1)/(df+1)) + 1.
func tfidfCosine(query []string, docs [][]string) []float64 {
	n := len(docs) + 1
	df := make(map[string]int)
	for _, doc := range append([][]string{query}, docs...) {
		seen := make(map[string]bool)
		for _, t := range doc {
			if !seen[t] {
				seen[t] = true
				df[t]++
			}
		}
	}
	idf := func(t string) float64 {
		return math.Log(float64(n+1)/float64(df[t]+1)) + 1
	}
	vector := func(doc []string) map[string]float64 {
		v := make(map[string]float64)
		for _, t := range doc {
			v[t]++
		}
		for t, tf := range v {
			v[t] = tf * idf(t)
		}
		return v
	}

	qv := vector(query)
	qn := norm(qv)

	out := make([]float64, len(docs))
	for i, doc := range docs {
		dv := vector(doc)
		dn := norm(dv)
		if qn == 0 || dn == 0 {
			continue
		}
		dot := 0.0
		for t, w := range qv {
			dot += w * dv[t]
		}
		out[i] = dot / (qn * dn)
	}
	return out
}

func norm(v map[string]float64) float64 {
	sum := 0.0
	for _, w := range v {
		sum += w * w
	}
	return math.Sqrt(sum)
}
