package protocol

type Response struct {
	Sequence uint        `json:"sequence"`
	Success  bool        `json:"success"`
	Message  string      `json:"message"`
	Data     interface{} `json:"data"`
}

// Element children响应中的一个元素
type Element struct {
	Key string `json:"key"`
	// Kind entity或者incompleteStack
	Kind string `json:"kind"`
	// Type 对象类型：process、group、thread、frame
	Type string `json:"type,omitempty"`
}

// Properties properties响应，单个属性失败时错误放在Errors中
type Properties struct {
	Values map[string]interface{} `json:"values"`
	Errors map[string]string      `json:"errors,omitempty"`
}
