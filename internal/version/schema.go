package version

// ImageSchemaVersion is stamped on every image and seeds the layer cache
// keys. Bump it when the produced image changes for identical inputs: layer
// layout, hardening, labels, the runtime user or the entrypoint. CLI-only
// changes don't need a bump.
const ImageSchemaVersion = 1

const ImageSchemaVersionLabel = "mkimage.image_schema_version"
