package lstm

import (
	"github.com/dayson/ztrain/tensor"
	"github.com/dayson/ztrain/tensorid"
	"github.com/dayson/ztrain/tensorstore"
)

func flatten(rows [][]float32, cols int) []float32 {
	out := make([]float32, 0, len(rows)*cols)
	for _, r := range rows {
		out = append(out, r...)
	}
	return out
}

func storeInit(store *tensorstore.Store, init Initializer, name string, rows, cols int, seed int64) (tensorid.ID, error) {
	data := flatten(init(rows, cols, seed), cols)
	t, err := tensor.NewHost([]int{rows, cols}, data)
	if err != nil {
		return "", err
	}
	return store.Store(t, name)
}

func storeZeros(store *tensorstore.Store, name string, rows, cols int) (tensorid.ID, error) {
	t, err := tensor.Zeros([]int{rows, cols})
	if err != nil {
		return "", err
	}
	return store.Store(t, name)
}

func storeOnes(store *tensorstore.Store, name string, rows, cols int) (tensorid.ID, error) {
	data := make([]float32, rows*cols)
	for i := range data {
		data[i] = 1
	}
	t, err := tensor.NewHost([]int{rows, cols}, data)
	if err != nil {
		return "", err
	}
	return store.Store(t, name)
}
