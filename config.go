package offlinecache

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest describes what the worker caches: the version tag embedded
// in partition names, the two precache lists fetched at install time,
// and the hostnames served cache-first. A manifest is fixed for the
// lifetime of a running worker; changing the version tag invalidates
// all previously named partitions on the next activation.
type Manifest struct {
	Version string   `yaml:"version"`
	Pages   []string `yaml:"pages"`
	Assets  []string `yaml:"assets"`
	Hosts   []string `yaml:"hosts"`
}

// DefaultManifest is the built-in manifest for the bundled app shell.
// Note that the huggingface hosts are allow-listed but never prefetched:
// model blobs are far too large to pull eagerly, so they populate the
// assets partition lazily on first successful fetch.
var DefaultManifest = Manifest{
	Version: "v2",
	Pages: []string{
		"./",
		"./index.html",
		"./chat.html",
	},
	Assets: []string{
		"https://cdn.jsdelivr.net/npm/@xenova/transformers/dist/transformers.min.js",
		"https://cdn.jsdelivr.net/npm/onnxruntime-web/dist/ort-wasm-simd.wasm",
	},
	Hosts: []string{
		"cdn.jsdelivr.net",
		"huggingface.co",
		"cdn-lfs.huggingface.co",
	},
}

// StaticPartition returns the name of the live first-party partition.
func (m Manifest) StaticPartition() string {
	return "static-" + m.Version
}

// AssetsPartition returns the name of the live third-party partition.
func (m Manifest) AssetsPartition() string {
	return "assets-" + m.Version
}

// LoadManifest reads a manifest from the given yaml file.
func LoadManifest(filename string) (Manifest, error) {
	var manifest Manifest
	manifestBytes, err := os.ReadFile(filename)
	if err != nil {
		return manifest, err
	}
	err = yaml.Unmarshal(manifestBytes, &manifest)
	return manifest, err
}
