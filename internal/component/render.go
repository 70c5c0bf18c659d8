package component

// MeshRenderer marks an entity as drawable. Mesh and Material are opaque
// handles resolved by the renderer.
type MeshRenderer struct {
	Mesh     uint32 `json:"mesh" yaml:"mesh"`
	Material uint32 `json:"material" yaml:"material"`
	Visible  bool   `json:"visible" yaml:"visible"`
}

// Camera projects the scene. The first active camera in entity order is
// used; its view comes from the entity's Transform.
type Camera struct {
	FovY       float32    `json:"fov_y" yaml:"fov_y"` // degrees
	Near       float32    `json:"near" yaml:"near"`
	Far        float32    `json:"far" yaml:"far"`
	Active     bool       `json:"active" yaml:"active"`
	ClearColor [4]float32 `json:"clear_color" yaml:"clear_color"`
}

func DefaultCamera() Camera {
	return Camera{
		FovY:       60,
		Near:       0.1,
		Far:        1000,
		Active:     true,
		ClearColor: [4]float32{0.1, 0.1, 0.12, 1},
	}
}

// Name is a human-readable label used in logs and the terminal view.
type Name struct {
	Value string `json:"value" yaml:"value"`
}
