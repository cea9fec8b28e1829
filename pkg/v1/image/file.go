package image

import (
	"os"

	"github.com/pkg/errors"

	"github.com/conda-incubator/conda-docker/pkg/v1/tarcodec"
	"github.com/conda-incubator/conda-docker/pkg/v1/types"
)

func fromFile(path string) ([]types.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	images, err := tarcodec.ParseV1(f)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return images, nil
}
