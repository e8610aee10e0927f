package pkg

import "fmt"

var (
	// These variables are here only to show current version. They are set in makefile during build process
	MoverVersion         = "devel"
	GitRevision          = "devel"
	MoverVersionRevision = fmt.Sprintf("%s-%s", MoverVersion, GitRevision)
)
