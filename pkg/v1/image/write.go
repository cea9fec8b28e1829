package image

import (
	"os"

	"github.com/pkg/errors"

	"github.com/conda-incubator/conda-docker/pkg/v1/tarcodec"
	"github.com/conda-incubator/conda-docker/pkg/v1/types"
)

// WriteToFile writes img to path in the v1 image-tar format. Syntactic
// sugar wrapping tarcodec.WriteV1 with a freshly created file.
func WriteToFile(path string, img types.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	defer f.Close()

	if err := tarcodec.WriteV1(img, f); err != nil {
		f.Close()
		os.Remove(path)
		return errors.Wrapf(err, "writing image to %s", path)
	}
	return nil
}
