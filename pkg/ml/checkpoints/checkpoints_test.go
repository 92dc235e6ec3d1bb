package checkpoints

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testState(epoch int, best float64) *State {
	return &State{
		Epoch:     epoch,
		Arch:      "softmax",
		BestScore: best,
		RunID:     "run-1",
		Model: []Variable{
			{Name: "fc/weights", Dimensions: []int{2, 3}, Values: []float64{1, 2, 3, 4, 5, float64(epoch)}},
			{Name: "fc/biases", Dimensions: []int{3}, Values: []float64{0.1, -0.2, 0.3}},
		},
		Optimizer: []Variable{
			{Name: "fc/weights/momentum", Dimensions: []int{2, 3}, Values: []float64{0, 0, 0, 0, 0, -1}},
		},
		Scalars: map[string]float64{"schedule/last_epoch": float64(epoch - 1)},
	}
}

func TestSaveAndLoad(t *testing.T) {
	for _, bf := range []BinFormat{BinGZIP, BinUncompressed} {
		t.Run(bf.String(), func(t *testing.T) {
			handler, err := Build(t.TempDir()).Keep(2).WithCompression(bf).Done()
			require.NoError(t, err)

			_, err = handler.LoadLatest()
			require.ErrorIs(t, err, ErrNotFound)

			want := testState(3, 42.5)
			require.NoError(t, handler.Save(want, true))
			got, err := handler.LoadLatest()
			require.NoError(t, err)
			assert.Equal(t, want, got)

			// Load from the directory, from the base path or from any of its files.
			list, err := handler.ListCheckpoints()
			require.NoError(t, err)
			require.Len(t, list, 1)
			for _, path := range []string{
				handler.Dir(),
				filepath.Join(handler.Dir(), list[0]),
				filepath.Join(handler.Dir(), list[0]+JsonNameSuffix),
				filepath.Join(handler.Dir(), list[0]+BinDataSuffix),
			} {
				got, err = Load(path)
				require.NoError(t, err, path)
				assert.Equal(t, want, got, path)
			}

			best, err := handler.LoadBest()
			require.NoError(t, err)
			assert.Equal(t, want, best)
		})
	}
}

func TestKeepAndBest(t *testing.T) {
	dir := t.TempDir()
	handler := Build(dir).Keep(2).MustDone()
	scores := []float64{10, 30, 30, 25}
	best := 0.0
	for epoch, score := range scores {
		isBest := score > best
		if isBest {
			best = score
		}
		require.NoError(t, handler.Save(testState(epoch+1, best), isBest))
	}
	list, err := handler.ListCheckpoints()
	require.NoError(t, err)
	assert.Equal(t, []string{"checkpoint-n0000002-epoch-0003", "checkpoint-n0000003-epoch-0004"}, list)

	// Best was saved at epoch 2 (score 30): the tie at epoch 3 does not replace it.
	bestState, err := handler.LoadBest()
	require.NoError(t, err)
	assert.Equal(t, 2, bestState.Epoch)
	assert.Equal(t, 30.0, bestState.BestScore)

	// A new handler continues the numbering.
	handler2 := Build(dir).Keep(-1).MustDone()
	require.NoError(t, handler2.Save(testState(5, best), false))
	list, err = handler2.ListCheckpoints()
	require.NoError(t, err)
	assert.Equal(t, "checkpoint-n0000004-epoch-0005", list[len(list)-1])
	latest, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 5, latest.Epoch)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "missing"))
	require.ErrorIs(t, err, ErrNotFound)
	_, err = Load(dir)
	require.ErrorIs(t, err, ErrNotFound)

	handler := Build(dir).WithCompression(BinUncompressed).MustDone()
	require.NoError(t, handler.Save(testState(1, 0), false))
	list, err := handler.ListCheckpoints()
	require.NoError(t, err)
	binPath := filepath.Join(dir, list[0]+BinDataSuffix)

	// Truncated data.
	require.NoError(t, os.WriteFile(binPath, make([]byte, 16), 0640))
	_, err = Load(dir)
	require.ErrorIs(t, err, ErrCorrupted)

	// Missing data file.
	require.NoError(t, os.Remove(binPath))
	_, err = Load(dir)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = Build(dir).WithCompression(BinFormat(7)).Done()
	require.ErrorIs(t, err, ErrUnsupportedCompression)

	// Values don't match the dimensions.
	err = handler.Save(&State{Model: []Variable{{Name: "x", Dimensions: []int{2}, Values: []float64{1}}}}, false)
	require.Error(t, err)
}

func TestBestFromMixedSaves(t *testing.T) {
	dir := t.TempDir()
	handler := Build(dir).Keep(-1).WithCompression(BinUncompressed).MustDone()
	require.NoError(t, handler.Save(testState(1, 10), true))
	require.NoError(t, handler.Save(testState(2, 20), true))
	list, err := handler.ListCheckpoints()
	require.NoError(t, err)
	require.Len(t, list, 2)

	// Data files of the same size, different values.
	copyFile := func(from, to string) {
		data, err := os.ReadFile(filepath.Join(dir, from))
		require.NoError(t, err)
		// Best files may be hard links to the checkpoint files.
		require.NoError(t, os.Remove(filepath.Join(dir, to)))
		require.NoError(t, os.WriteFile(filepath.Join(dir, to), data, 0640))
	}

	// Interrupted replacement of the best copy: new data with the previous metadata.
	copyFile(list[0]+JsonNameSuffix, BestBaseName+JsonNameSuffix)
	copyFile(list[1]+BinDataSuffix, BestBaseName+BinDataSuffix)
	_, err = handler.LoadBest()
	require.ErrorIs(t, err, ErrCorrupted)

	copyFile(list[0]+BinDataSuffix, BestBaseName+BinDataSuffix)
	best, err := handler.LoadBest()
	require.NoError(t, err)
	assert.Equal(t, 1, best.Epoch)
	assert.Equal(t, 1.0, best.Model[0].Values[5])
}

func TestParseBinFormat(t *testing.T) {
	bf, err := ParseBinFormat("gzip")
	require.NoError(t, err)
	assert.Equal(t, BinGZIP, bf)
	bf, err = ParseBinFormat("none")
	require.NoError(t, err)
	assert.Equal(t, BinUncompressed, bf)
	_, err = ParseBinFormat("zstd")
	require.ErrorIs(t, err, ErrUnsupportedCompression)
}
