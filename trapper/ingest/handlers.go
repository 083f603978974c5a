package ingest

import (
	"trapper_platform/trapper/jobs"
)

const (
	KindIngest               = "ingest"
	KindExportPackage        = "export_package"
	KindRegenerateThumbnails = "regenerate_thumbnails"
)

type IngestHandler struct {
	Processor *Processor
}

func (h IngestHandler) Kind() string { return KindIngest }

func (h IngestHandler) Run(tc *jobs.Context) (interface{}, error) {
	var req Request
	if err := tc.DecodeArgs(&req); err != nil {
		return nil, err
	}
	return h.Processor.Process(tc.Context(), req, tc.Progress)
}

type PackageHandler struct {
	Packager *Packager
}

func (h PackageHandler) Kind() string { return KindExportPackage }

func (h PackageHandler) Run(tc *jobs.Context) (interface{}, error) {
	var req PackageRequest
	if err := tc.DecodeArgs(&req); err != nil {
		return nil, err
	}
	return h.Packager.Export(tc.Context(), req, tc.Progress)
}

type RegenerateArgs struct {
	All bool `json:"all"`
}

type RegenerateHandler struct {
	Processor *Processor
}

func (h RegenerateHandler) Kind() string { return KindRegenerateThumbnails }

func (h RegenerateHandler) Run(tc *jobs.Context) (interface{}, error) {
	var args RegenerateArgs
	if len(tc.Task().Args) > 0 {
		if err := tc.DecodeArgs(&args); err != nil {
			return nil, err
		}
	}
	return h.Processor.RegenerateThumbnails(tc.Context(), args.All, tc.Progress)
}
