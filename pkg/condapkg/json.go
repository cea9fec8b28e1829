package condapkg

// Dump renders a PackageRecord as the field set conda's own
// repodata_record.json carries, plus any Extras. Returned as a plain map
// rather than relying on struct field order: json.Marshal sorts
// map[string] keys alphabetically, which keeps the written files stable.
func (r PackageRecord) Dump() map[string]interface{} {
	out := map[string]interface{}{
		"url":     r.URL,
		"fn":      r.FN,
		"md5":     r.MD5,
		"name":    r.Name,
		"version": r.Version,
		"subdir":  r.Subdir,
		"channel": r.Channel,
	}
	if r.BuildString != "" {
		out["build"] = r.BuildString
	}
	if r.BuildNumber != 0 {
		out["build_number"] = r.BuildNumber
	}
	if r.BaseURL != "" {
		out["base_url"] = r.BaseURL
	}
	for k, v := range r.Extras {
		if _, exists := out[k]; !exists {
			out[k] = v
		}
	}
	return out
}

// Dump renders a PackageCacheRecord, adding its on-disk locations to the
// fields from PackageRecord.Dump.
func (r PackageCacheRecord) Dump() map[string]interface{} {
	out := r.PackageRecord.Dump()
	out["package_tarball_full_path"] = r.TarballPath
	out["extracted_package_dir"] = r.ExtractedDir
	return out
}

// Remapped returns a copy of r's dump with url and channel rewritten
// through remaps, for writing into image-visible catalog files without
// mutating the record the rest of the pipeline holds.
func (r PackageRecord) Remapped(remaps []ChannelRemap) map[string]interface{} {
	out := r.Dump()
	out["url"] = RemapURL(r.URL, remaps)
	out["channel"] = RemapURL(r.Channel, remaps)
	return out
}
