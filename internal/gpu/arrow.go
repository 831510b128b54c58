package gpu

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	gerrors "github.com/23skdu/gpures/internal/errors"
)

// FlattenVectors returns the row width and the contiguous float32 values of a
// FixedSizeList<float32> vector column. The returned slice aliases the Arrow
// buffer.
func FlattenVectors(arr *array.FixedSizeList) (int, []float32, error) {
	fst, ok := arr.DataType().(*arrow.FixedSizeListType)
	if !ok {
		return 0, nil, gerrors.NewValidationError("flatten_vectors", fmt.Sprintf("unexpected type %s", arr.DataType()))
	}
	width := int(fst.Len())
	if arr.NullN() > 0 {
		return 0, nil, gerrors.NewValidationError("flatten_vectors", fmt.Sprintf("vector column has %d null rows", arr.NullN()))
	}
	values, ok := arr.ListValues().(*array.Float32)
	if !ok {
		return 0, nil, gerrors.NewValidationError("flatten_vectors", fmt.Sprintf("vector elements must be float32, got %s", fst.Elem()))
	}
	if arr.Len() == 0 {
		return width, nil, nil
	}

	start, _ := arr.ValueOffsets(0)
	_, end := arr.ValueOffsets(arr.Len() - 1)
	return width, values.Float32Values()[start:end], nil
}

// AddArrow adds a FixedSizeList<float32> vector column to idx.
func AddArrow(idx Index, ids []int64, arr *array.FixedSizeList) error {
	_, vectors, err := FlattenVectors(arr)
	if err != nil {
		return err
	}
	return idx.Add(ids, vectors)
}

// NewVectorColumn builds a FixedSizeList<float32> column from row-major
// vectors of the given width.
func NewVectorColumn(mem memory.Allocator, dim int, vectors []float32) (*array.FixedSizeList, error) {
	if dim <= 0 || len(vectors)%dim != 0 {
		return nil, gerrors.NewValidationError("vector_column", fmt.Sprintf("%d values do not form rows of width %d", len(vectors), dim))
	}

	bldr := array.NewFixedSizeListBuilder(mem, int32(dim), arrow.PrimitiveTypes.Float32)
	defer bldr.Release()
	vb := bldr.ValueBuilder().(*array.Float32Builder)

	rows := len(vectors) / dim
	bldr.Reserve(rows)
	vb.Reserve(len(vectors))
	for i := 0; i < rows; i++ {
		bldr.Append(true)
		vb.AppendValues(vectors[i*dim:(i+1)*dim], nil)
	}
	return bldr.NewListArray(), nil
}
