package content

import "github.com/ansible/content-repository/pkg/tarball"

// ApplyInspection copies what the tarball inspector found into cv and
// returns the tags to link.
func ApplyInspection(cv *CollectionVersion, res *tarball.Result) []string {
	info := res.Info
	cv.Namespace = info.Namespace
	cv.Name = info.Name
	cv.Version = info.Version
	cv.Authors = info.Authors
	cv.Description = info.Description
	cv.License = info.License
	cv.Dependencies = info.Dependencies
	cv.Repository = info.Repository
	cv.Documentation = info.Documentation
	cv.Homepage = info.Homepage
	cv.Issues = info.Issues
	cv.RequiresAnsible = res.RequiresAnsible
	cv.Manifest = res.Manifest
	cv.Files = res.Files
	return info.Tags
}
